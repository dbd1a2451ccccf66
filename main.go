package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tessera-api/api"
	"tessera-api/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	cfg := storage.Config{
		BoardsTable:       os.Getenv("BOARDS_TABLE"),
		ColumnsTable:      os.Getenv("COLUMNS_TABLE"),
		TasksTable:        os.Getenv("TASKS_TABLE"),
		DependenciesTable: os.Getenv("DEPENDENCIES_TABLE"),
		IdempotencyTable:  os.Getenv("IDEMPOTENCY_TABLE"),
		EventsQueue:       os.Getenv("DOMAIN_EVENTS_QUEUE"),
	}
	if connStr == "" || cfg.BoardsTable == "" || cfg.ColumnsTable == "" || cfg.TasksTable == "" ||
		cfg.DependenciesTable == "" || cfg.IdempotencyTable == "" || cfg.EventsQueue == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid CACHE_TTL: %v", err)
		}
		cacheTTL = d
	}
	cached := storage.NewCache(store, rc, cacheTTL)

	idempotencyTTL := 24 * time.Hour
	if v := os.Getenv("IDEMPOTENCY_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid IDEMPOTENCY_TTL: %v", err)
		}
		idempotencyTTL = d
	}
	guard := api.NewIdempotencyGuard(store, idempotencyTTL)

	sweepInterval := 10 * time.Minute
	if v := os.Getenv("IDEMPOTENCY_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid IDEMPOTENCY_SWEEP_INTERVAL: %v", err)
		}
		sweepInterval = d
	}

	logger := log.New()
	sweeper := api.StartSweeper(store, sweepInterval, logger)
	defer sweeper.Shutdown()
	notifier := api.NewQueueNotifier(store, logger)
	defer notifier.Shutdown()

	var auth *api.Auth
	if os.Getenv("AUTH_TEST_MODE") == "1" {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH_AUDIENCE")
		domainName := os.Getenv("AUTH_DOMAIN")
		if jwtAudience == "" || domainName == "" {
			log.Fatal("missing auth config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domainName)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domainName+"/")
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware())

	api.Register(e, cached, auth, guard, notifier, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
