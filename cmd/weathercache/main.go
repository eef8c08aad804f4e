package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	weathercache "github.com/dgduncan/go-weather-cache"
	"github.com/dgduncan/go-weather-cache/caches"
	"github.com/dgduncan/go-weather-cache/caches/bolt"
	dynamostore "github.com/dgduncan/go-weather-cache/caches/dynamodb"
	"github.com/dgduncan/go-weather-cache/caches/local"
	"github.com/dgduncan/go-weather-cache/caches/postgres"
	"github.com/dgduncan/go-weather-cache/favorites"
	"github.com/dgduncan/go-weather-cache/metrics/prommetrics"
	"github.com/dgduncan/go-weather-cache/weather"
)

type options struct {
	apiKey string

	backend       string
	cachePath     string
	postgresDSN   string
	dynamoTable   string
	dynamoURL     string
	ttl           time.Duration
	sweepInterval time.Duration
	metricsAddr   string

	city     string
	lat, lon float64
	coords   bool
	search   string
	forecast bool

	favoritesPath string
	addFavorite   bool
	listFavorites bool

	debug bool
}

func main() {
	loadErr := godotenv.Load()

	o := options{}
	flag.StringVar(&o.backend, "cache-backend", "bolt", "cache storage: bolt, memory, postgres or dynamodb")
	flag.StringVar(&o.cachePath, "cache-path", "weathercache.db", "bolt cache file")
	flag.StringVar(&o.postgresDSN, "postgres-dsn", os.Getenv("POSTGRES_DSN"), "postgres connection string")
	flag.StringVar(&o.dynamoTable, "dynamodb-table", "weathercache", "dynamodb table name")
	flag.StringVar(&o.dynamoURL, "dynamodb-endpoint", os.Getenv("DYNAMODB_ENDPOINT"), "dynamodb endpoint override, eg. http://localhost:8000")
	flag.DurationVar(&o.ttl, "ttl", caches.DefaultTTL, "how long responses are cached")
	flag.DurationVar(&o.sweepInterval, "sweep", caches.DefaultSweepInterval, "interval between sweeps of expired entries")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address and keep running")
	flag.StringVar(&o.city, "city", "", "city to look up")
	flag.Float64Var(&o.lat, "lat", 0, "latitude to look up")
	flag.Float64Var(&o.lon, "lon", 0, "longitude to look up")
	flag.StringVar(&o.search, "search", "", "search cities by name")
	flag.BoolVar(&o.forecast, "forecast", false, "fetch the 5 day forecast instead of current conditions")
	flag.StringVar(&o.favoritesPath, "favorites-path", "favorites.db", "favorites file")
	flag.BoolVar(&o.addFavorite, "add-favorite", false, "save the looked up city as a favorite")
	flag.BoolVar(&o.listFavorites, "favorites", false, "list favorite cities")
	flag.BoolVar(&o.debug, "debug", false, "enable debug logging")
	flag.Parse()

	flag.Visit(func(f *flag.Flag) {
		if f.Name == "lat" || f.Name == "lon" {
			o.coords = true
		}
	})
	o.apiKey = os.Getenv("OPENWEATHER_API_KEY")

	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if loadErr != nil {
		logger.Debug("no .env file loaded", "error", loadErr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o, logger); err != nil {
		logger.Error("weathercache failed", "error", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, logger *slog.Logger) error {
	store, err := openStore(ctx, o, logger)
	if err != nil {
		return fmt.Errorf("opening %s cache: %w", o.backend, err)
	}

	cacheConfig := weathercache.DefaultConfig()
	cacheConfig.DefaultTTL = o.ttl

	var reg *prometheus.Registry
	if o.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		m, err := prommetrics.New(reg)
		if err != nil {
			_ = store.Close()
			return err
		}
		cacheConfig.Metrics = m
	}

	cache, err := weathercache.New(store, &cacheConfig, nil, logger)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}()

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go weathercache.NewSweeper(cache, o.sweepInterval, logger).Run(sweepCtx)

	if reg != nil {
		srv := &http.Server{
			Addr:              o.metricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", o.metricsAddr)
	}

	var favs *favorites.Store
	if o.addFavorite || o.listFavorites {
		favs, err = favorites.Open(o.favoritesPath, nil)
		if err != nil {
			return err
		}
		defer favs.Close()
	}

	if o.listFavorites {
		list, err := favs.List(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(list); err != nil {
			return err
		}
	}

	if o.city != "" || o.coords || o.search != "" {
		if o.apiKey == "" {
			return fmt.Errorf("OPENWEATHER_API_KEY is not set: %w", weather.ErrInvalidAPIKey)
		}

		client, err := weather.New(o.apiKey, cache,
			weather.WithTTL(o.ttl),
			weather.WithLogger(logger),
		)
		if err != nil {
			return err
		}

		if err := lookup(ctx, client, favs, o); err != nil {
			return err
		}
	}

	if reg != nil {
		<-ctx.Done()
	}

	return nil
}

func lookup(ctx context.Context, client *weather.Client, favs *favorites.Store, o options) error {
	switch {
	case o.search != "":
		cities, err := client.SearchCities(ctx, o.search)
		if err != nil {
			return err
		}
		return printJSON(cities)

	case o.forecast:
		var (
			f   weather.Forecast
			err error
		)
		if o.coords {
			f, err = client.ForecastByCoordinates(ctx, o.lat, o.lon)
		} else {
			f, err = client.ForecastByCity(ctx, o.city)
		}
		if err != nil {
			return err
		}
		return printJSON(f)

	default:
		var (
			w   weather.CurrentWeather
			err error
		)
		if o.coords {
			w, err = client.CurrentByCoordinates(ctx, o.lat, o.lon)
		} else {
			w, err = client.CurrentByCity(ctx, o.city)
		}
		if err != nil {
			return err
		}

		if o.addFavorite {
			_, err := favs.Add(ctx, weather.City{
				Name:      w.CityName,
				Country:   w.Country,
				Latitude:  w.Latitude,
				Longitude: w.Longitude,
			})
			if err != nil && !errors.Is(err, favorites.ErrDuplicateEntry) {
				return err
			}
		}
		return printJSON(w)
	}
}

func openStore(ctx context.Context, o options, logger *slog.Logger) (weathercache.Store, error) {
	switch o.backend {
	case "memory":
		return local.NewBasicCache(), nil

	case "bolt":
		return bolt.Open(o.cachePath, nil)

	case "postgres":
		return postgres.Open(ctx, o.postgresDSN)

	case "dynamodb":
		awsConfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.Join(caches.ErrInitialization, err)
		}
		client := dynamodb.NewFromConfig(awsConfig, func(opts *dynamodb.Options) {
			if o.dynamoURL != "" {
				opts.BaseEndpoint = aws.String(o.dynamoURL)
			}
		})
		if o.dynamoURL != "" {
			// local endpoints start empty
			if err := dynamostore.CreateTable(ctx, client, o.dynamoTable); err != nil {
				logger.Debug("create table", "table", o.dynamoTable, "error", err)
			}
		}
		return dynamostore.New(ctx, client, &dynamostore.Config{Table: o.dynamoTable})

	default:
		return nil, caches.ValidationError{Reason: "unknown cache backend " + o.backend}
	}
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
