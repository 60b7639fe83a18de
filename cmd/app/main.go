package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/pilehq/pile/internal/api"
	"github.com/pilehq/pile/internal/db"
	"github.com/pilehq/pile/internal/fanout"
	"github.com/pilehq/pile/internal/jobs"
	"github.com/pilehq/pile/internal/metadata"
	"github.com/pilehq/pile/internal/storage"
)

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port          string // HTTP port to listen on
	Env           string // Environment (development/production)
	SentryDSN     string // Sentry DSN for error tracking
	LogLevel      string // Log level (debug, info, warn, error)
	JobNotifyURL  string // Base URL for the worker notify callback; empty means in-process fanout
	WorkersOnly   bool   // Run the job workers without the HTTP API
	PollersPaused bool   // Start without job pollers (API-only deployments)
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:          getEnvWithDefault("PORT", "8080"),
		Env:           getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:     os.Getenv("SENTRY_DSN"),
		LogLevel:      getEnvWithDefault("LOG_LEVEL", "info"),
		JobNotifyURL:  os.Getenv("JOB_NOTIFY_URL"),
		WorkersOnly:   getEnvWithDefault("WORKERS_ONLY", "false") == "true",
		PollersPaused: getEnvWithDefault("POLLERS_PAUSED", "false") == "true",
	}

	setupLogging(config)

	// Initialise Sentry for error tracking
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	// Connect to PostgreSQL
	pgDB, err := db.InitFromEnv()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	// Artifact storage: S3-compatible bucket when configured, in-memory otherwise
	var artifacts storage.ArtifactStore
	if os.Getenv("ARTIFACT_BUCKET") != "" {
		artifacts, err = storage.NewS3Store(context.Background(), storage.ConfigFromEnv())
		if err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Msg("Failed to initialise artifact storage")
		}
		log.Info().Str("bucket", os.Getenv("ARTIFACT_BUCKET")).Msg("Artifact storage initialised")
	} else {
		artifacts = storage.NewMemoryStore()
		log.Warn().Msg("ARTIFACT_BUCKET not configured, artifacts held in memory only")
	}

	queue := db.NewJobQueue(pgDB)
	hub := fanout.NewHub()

	// Workers report lifecycle events either straight into the hub or, for
	// out-of-process deployments, through the API's notify callback.
	var notifier jobs.Notifier
	if config.JobNotifyURL != "" {
		notifier = jobs.NewCallbackNotifier(config.JobNotifyURL)
		log.Info().Str("url", config.JobNotifyURL).Msg("Job events delivered via notify callback")
	} else {
		notifier = &jobs.HubNotifier{Hub: hub}
	}

	metadataWorker := jobs.NewMetadataWorker(pgDB, queue, metadata.NewFetcher(), notifier)
	publishWorker := jobs.NewPublishWorker(pgDB, queue, artifacts, notifier)

	if !config.PollersPaused {
		metadataPoller := jobs.NewMetadataPoller(queue, metadataWorker)
		publishPoller := jobs.NewPublishPoller(queue, publishWorker)

		metadataPoller.Start(context.Background())
		defer metadataPoller.Stop()
		publishPoller.Start(context.Background())
		defer publishPoller.Stop()
	} else {
		log.Info().Msg("Job pollers paused, serving API only")
	}

	if config.WorkersOnly {
		log.Info().Msg("Running in workers-only mode")
		waitForShutdownSignal()
		return
	}

	// Create a rate limiter
	limiter := newRateLimiter()

	// Create API handler with dependencies
	apiHandler := api.NewHandler(pgDB, queue, hub, artifacts)

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	// Create middleware stack with rate limiting
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !limiter.getLimiter(ip).Allow() {
			api.WriteErrorMessage(w, r, "Too many requests", http.StatusTooManyRequests, api.ErrCodeRateLimit)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Add middleware in reverse order (outermost first)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CORSMiddleware(handler)

	server := &http.Server{
		Addr:    ":" + config.Port,
		Handler: handler,
	}

	// Channel to listen for termination signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when the server has shut down
	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting server")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done // Wait for the shutdown process to complete
	log.Info().Msg("Server stopped")
}

// waitForShutdownSignal blocks until SIGINT or SIGTERM
func waitForShutdownSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("Shutting down workers...")
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "pile").
			Logger()
	}
}

// RateLimiter represents a rate limiting system based on client IP addresses
type RateLimiter struct {
	limits   map[string]*IPRateLimiter
	mu       sync.Mutex
	rate     rate.Limit
	capacity int
}

// IPRateLimiter wraps a token bucket rate limiter specific to an IP address
type IPRateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter creates a new rate limiter with default settings
func newRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits:   make(map[string]*IPRateLimiter),
		rate:     rate.Limit(20), // 20 requests per second per client
		capacity: 10,             // 10 burst capacity
	}
}

// getLimiter returns the rate limiter for a specific IP address
func (rl *RateLimiter) getLimiter(ip string) *IPRateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limits[ip]
	if !exists {
		limiter = &IPRateLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.capacity),
		}
		rl.limits[ip] = limiter
	}

	return limiter
}

// Allow checks if a request from this IP should be allowed
func (ipl *IPRateLimiter) Allow() bool {
	return ipl.limiter.Allow()
}

// getClientIP extracts the client's IP address from a request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For might contain multiple IPs, take the first one
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ips := strings.Split(ip, ",")
		return strings.TrimSpace(ips[0])
	}

	ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	return ip
}
