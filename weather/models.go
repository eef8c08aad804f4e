package weather

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CurrentWeather is the current conditions at a location, in metric units.
type CurrentWeather struct {
	CityName    string    `json:"cityName"`
	Country     string    `json:"country"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feelsLike"`
	TempMin     float64   `json:"tempMin"`
	TempMax     float64   `json:"tempMax"`
	Pressure    int       `json:"pressure"`
	Humidity    int       `json:"humidity"`
	WindSpeed   float64   `json:"windSpeed"`
	WindDeg     int       `json:"windDeg"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
	Timestamp   time.Time `json:"timestamp"`
	Sunrise     time.Time `json:"sunrise,omitempty"`
	Sunset      time.Time `json:"sunset,omitempty"`
}

type HourlyForecast struct {
	Time        time.Time `json:"time"`
	Temperature float64   `json:"temperature"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
}

// DailyForecast summarises every forecast step of one calendar day.
type DailyForecast struct {
	Date           time.Time `json:"date"`
	MinTemperature float64   `json:"minTemperature"`
	MaxTemperature float64   `json:"maxTemperature"`
	Description    string    `json:"description"`
	Icon           string    `json:"icon"`
}

type Forecast struct {
	City    string           `json:"city"`
	Country string           `json:"country"`
	Hourly  []HourlyForecast `json:"hourly"`
	Daily   []DailyForecast  `json:"daily"`
}

// City is a geocoding match.
type City struct {
	Name      string  `json:"name"`
	Country   string  `json:"country"`
	State     string  `json:"state,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DisplayName renders the city as "Name, State, Country", leaving the state
// out when it is unknown.
func (c City) DisplayName() string {
	if c.State != "" {
		return fmt.Sprintf("%s, %s, %s", c.Name, c.State, c.Country)
	}
	return fmt.Sprintf("%s, %s", c.Name, c.Country)
}

const unknownCountry = "Unknown"

type conditions struct {
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type mainInfo struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	TempMin   float64 `json:"temp_min"`
	TempMax   float64 `json:"temp_max"`
	Pressure  int     `json:"pressure"`
	Humidity  int     `json:"humidity"`
}

type currentResponse struct {
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Weather []conditions `json:"weather"`
	Main    *mainInfo    `json:"main"`
	Wind    struct {
		Speed float64 `json:"speed"`
		Deg   int     `json:"deg"`
	} `json:"wind"`
	Dt  int64 `json:"dt"`
	Sys *struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Name string `json:"name"`
}

type forecastResponse struct {
	List []struct {
		Dt      int64        `json:"dt"`
		Main    mainInfo     `json:"main"`
		Weather []conditions `json:"weather"`
	} `json:"list"`
	City struct {
		Name    string `json:"name"`
		Country string `json:"country"`
	} `json:"city"`
}

type geoResponse []struct {
	Name    string  `json:"name"`
	Country string  `json:"country"`
	State   string  `json:"state"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func titleCase(s string) string {
	// a Caser keeps state and is not safe for concurrent use
	return cases.Title(language.Und).String(s)
}

func firstConditions(c []conditions) (string, string) {
	if len(c) == 0 {
		return "", ""
	}
	return titleCase(c[0].Description), c[0].Icon
}

func decodeCurrent(data []byte) (CurrentWeather, error) {
	var r currentResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return CurrentWeather{}, &DecodeError{Err: err}
	}
	if r.Main == nil {
		return CurrentWeather{}, &DecodeError{Err: errors.New("missing main conditions")}
	}

	description, icon := firstConditions(r.Weather)
	w := CurrentWeather{
		CityName:    r.Name,
		Country:     unknownCountry,
		Latitude:    r.Coord.Lat,
		Longitude:   r.Coord.Lon,
		Temperature: r.Main.Temp,
		FeelsLike:   r.Main.FeelsLike,
		TempMin:     r.Main.TempMin,
		TempMax:     r.Main.TempMax,
		Pressure:    r.Main.Pressure,
		Humidity:    r.Main.Humidity,
		WindSpeed:   r.Wind.Speed,
		WindDeg:     r.Wind.Deg,
		Description: description,
		Icon:        icon,
		Timestamp:   time.Unix(r.Dt, 0).UTC(),
	}
	if r.Sys != nil {
		if r.Sys.Country != "" {
			w.Country = r.Sys.Country
		}
		if r.Sys.Sunrise != 0 {
			w.Sunrise = time.Unix(r.Sys.Sunrise, 0).UTC()
		}
		if r.Sys.Sunset != 0 {
			w.Sunset = time.Unix(r.Sys.Sunset, 0).UTC()
		}
	}

	return w, nil
}

// decodeForecast converts the 3 hourly forecast list. Daily entries group
// items by calendar day in loc.
func decodeForecast(data []byte, loc *time.Location) (Forecast, error) {
	var r forecastResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return Forecast{}, &DecodeError{Err: err}
	}
	if r.List == nil {
		return Forecast{}, &DecodeError{Err: errors.New("missing forecast list")}
	}

	f := Forecast{
		City:    r.City.Name,
		Country: r.City.Country,
		Hourly:  make([]HourlyForecast, 0, len(r.List)),
	}

	days := map[time.Time]*DailyForecast{}
	for _, item := range r.List {
		at := time.Unix(item.Dt, 0).In(loc)
		description, icon := firstConditions(item.Weather)

		f.Hourly = append(f.Hourly, HourlyForecast{
			Time:        at,
			Temperature: item.Main.Temp,
			Description: description,
			Icon:        icon,
		})

		day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, loc)
		d, ok := days[day]
		if !ok {
			days[day] = &DailyForecast{
				Date:           at,
				MinTemperature: item.Main.Temp,
				MaxTemperature: item.Main.Temp,
				Description:    description,
				Icon:           icon,
			}
			continue
		}
		d.MinTemperature = min(d.MinTemperature, item.Main.Temp)
		d.MaxTemperature = max(d.MaxTemperature, item.Main.Temp)
	}

	f.Daily = make([]DailyForecast, 0, len(days))
	for _, d := range days {
		f.Daily = append(f.Daily, *d)
	}
	sort.Slice(f.Daily, func(i, j int) bool {
		return f.Daily[i].Date.Before(f.Daily[j].Date)
	})

	return f, nil
}

func decodeCities(data []byte) ([]City, error) {
	var r geoResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &DecodeError{Err: err}
	}

	cities := make([]City, 0, len(r))
	for _, c := range r {
		cities = append(cities, City{
			Name:      c.Name,
			Country:   c.Country,
			State:     c.State,
			Latitude:  c.Lat,
			Longitude: c.Lon,
		})
	}
	return cities, nil
}
