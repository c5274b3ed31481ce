package main

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"back_crm/internal/database"
	"back_crm/internal/gateway"
	"back_crm/internal/handlers"
	"back_crm/internal/pairing"
	"back_crm/internal/provider"
	"back_crm/internal/resourceapi"
	"back_crm/internal/services"
	"back_crm/internal/staging"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loadEnvFile loads environment variables from a file. Values already set
// in the environment win.
func loadEnvFile(filename string) {
	file, err := os.Open(filename)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			if os.Getenv(key) == "" {
				os.Setenv(key, value)
			}
		}
	}
}

func setupLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && os.Getenv("LOG_LEVEL") != "" {
		level = parsed
	}

	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Callback-Signature")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// newStagingStore picks Redis when REDIS_ADDR is set, otherwise the
// in-process store. Single-instance deployments work fine in-process;
// Redis survives restarts and serves multiple replicas.
func newStagingStore(logger zerolog.Logger) staging.Store {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		logger.Info().Msg("using in-memory staging store")
		return staging.NewMemoryStore()
	}

	store, err := staging.NewRedisStore(staging.RedisConfig{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Redis staging store")
	}
	return store
}

func main() {
	loadEnvFile(".env")
	loadEnvFile("env.production")
	loadEnvFile("env.local")

	logger := setupLogger()
	logger.Info().Msg("starting CRM pairing backend")

	database.InitDatabase()

	port := getEnv("PORT", "9090")

	store := newStagingStore(logger)
	defer store.Close()

	// The gateway talks to the resource API over HTTP even when the
	// reference implementation below is mounted in this same process, so
	// swapping in an external resource store is a config change only.
	resourceURL := getEnv("RESOURCE_API_URL", "http://localhost:"+port)
	gw := gateway.NewClient(resourceURL, logger)

	var (
		qrProvider pairing.Provider
		embedded   *provider.EmbeddedProvider
	)
	if providerURL := os.Getenv("PROVIDER_URL"); providerURL != "" {
		logger.Info().Str("url", providerURL).Msg("using external channel provider")
		qrProvider = provider.NewHTTPProvider(providerURL, logger)
	} else {
		ep, err := provider.NewEmbeddedProvider(logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start embedded channel provider")
		}
		logger.Info().Msg("using embedded channel provider")
		embedded = ep
		qrProvider = ep
		defer ep.Shutdown()
	}

	initiator := pairing.NewInitiator(qrProvider, store, logger)
	reconciler := pairing.NewReconciler(gw, store, logger)
	poller := pairing.NewPoller(gw, store, logger)

	manager := pairing.NewManager(initiator, reconciler, poller, store, logger)
	defer manager.Shutdown()

	if embedded != nil {
		embedded.SetSink(manager)
	}

	auth := &services.AuthService{}

	r := mux.NewRouter()

	resourceapi.NewServer(database.GetDB(), logger).RegisterRoutes(r)
	handlers.NewPairingHandler(manager, auth, logger).RegisterRoutes(r)
	handlers.NewStagingHandler(store, auth, logger).RegisterRoutes(r)

	r.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      corsMiddleware(r),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
}
