// SkiMate realtime core server.
//
// One process per node, identical across the fleet. Wires the hot store,
// the durable store, the job queue, the backplane and the engines, mounts
// the WebSocket gateway behind gin, and shuts down cleanly on signal:
// HTTP first, then the reaper, then the persister (with a final flush),
// then the backplane, queue and stores.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/skimate/realtime/internal/auth"
	"github.com/skimate/realtime/internal/backplane"
	"github.com/skimate/realtime/internal/chat"
	"github.com/skimate/realtime/internal/db"
	"github.com/skimate/realtime/internal/gateway"
	"github.com/skimate/realtime/internal/hot"
	"github.com/skimate/realtime/internal/location"
	"github.com/skimate/realtime/internal/logger"
	"github.com/skimate/realtime/internal/persister"
	"github.com/skimate/realtime/internal/queue"
	"github.com/skimate/realtime/internal/reaper"
	"github.com/skimate/realtime/internal/registry"
)

const version = "1.4.2"

var startTime = time.Now()

// fileConfig holds optional settings loaded from CONFIG_FILE. Environment
// variables always win over file values.
var fileConfig map[string]string

func main() {
	logger.Initialize(getEnvRaw("LOG_LEVEL", "info"), getEnvRaw("LOG_PRETTY", "false") == "true")

	loadConfigFile()

	port := getEnv("API_PORT", "8000")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "skimate")
	dbPassword := getEnv("DB_PASSWORD", "skimate")
	dbName := getEnv("DB_NAME", "skimate")
	dbSSLMode := getEnv("DB_SSL_MODE", "disable")
	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")
	natsURL := getEnv("NATS_URL", "")
	natsUser := getEnv("NATS_USER", "")
	natsPassword := getEnv("NATS_PASSWORD", "")
	jwtSecret := getEnv("JWT_SECRET", "")
	jwtIssuer := getEnv("JWT_ISSUER", "skimate-auth")

	pingThrottleMs := getEnvInt("PING_THROTTLE_MS", 1000)
	proximityRadiusM := getEnvInt("PROXIMITY_RADIUS_M", 500)
	presenceTTLSeconds := getEnvInt("PRESENCE_TTL_SECONDS", 300)
	chatCacheSize := getEnvInt("CHAT_CACHE_SIZE", 50)
	chatCacheTTLSeconds := getEnvInt("CHAT_CACHE_TTL_SECONDS", 3600)
	typingTTLSeconds := getEnvInt("TYPING_TTL_SECONDS", 5)
	batchSize := getEnvInt("BATCH_SIZE", 100)
	batchFlushMs := getEnvInt("BATCH_FLUSH_MS", 5000)
	warmTimeoutMs := getEnvInt("WARM_TIMEOUT_MS", 5000)
	hotTimeoutMs := getEnvInt("HOT_TIMEOUT_MS", 1000)
	reaperEnabled := getEnv("REAPER_ENABLED", "true") == "true"
	sessionStaleHours := getEnvInt("SESSION_STALE_HOURS", 6)

	if jwtSecret == "" {
		logger.Log.Fatal().Msg("JWT_SECRET must be set")
	}

	logger.Log.Info().Str("version", version).Msg("Starting SkiMate realtime core")

	// Durable store
	database, err := db.NewDatabase(db.Config{
		Host:     dbHost,
		Port:     dbPort,
		User:     dbUser,
		Password: dbPassword,
		DBName:   dbName,
		SSLMode:  dbSSLMode,
		Timeout:  time.Duration(warmTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	sessionDB := db.NewSessionDB(database)
	pingDB := db.NewPingDB(database)
	messageDB := db.NewMessageDB(database)
	socialDB := db.NewSocialDB(database)

	// Hot store
	hotClient, err := hot.NewClient(hot.Config{
		Host:     redisHost,
		Port:     redisPort,
		Password: redisPassword,
		Timeout:  time.Duration(hotTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to connect to hot store")
	}
	defer hotClient.Close()

	// Token verifier
	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		SecretKey: jwtSecret,
		Issuer:    jwtIssuer,
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to initialize token verifier")
	}

	// Job queue
	jobQueue, err := queue.NewQueue(queue.Config{
		URL:      natsURL,
		User:     natsUser,
		Password: natsPassword,
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to connect to job queue")
	}
	defer jobQueue.Close()

	// Connection registry and backplane. The backplane's delivery callback
	// is the gateway, wired below after construction.
	connRegistry := registry.New(hotClient)

	var gw *gateway.Gateway
	bp := backplane.New(hotClient, func(channel string, payload []byte) {
		gw.DeliverFromBackplane(channel, payload)
	})

	// Engines
	locationEngine := location.NewEngine(location.Config{
		ThrottleWindow:  time.Duration(pingThrottleMs) * time.Millisecond,
		ProximityRadius: float64(proximityRadiusM),
		PresenceTTL:     time.Duration(presenceTTLSeconds) * time.Second,
	}, hotClient, sessionDB, socialDB, jobQueue, bp)

	chatEngine := chat.NewEngine(chat.Config{
		CacheSize: chatCacheSize,
		CacheTTL:  time.Duration(chatCacheTTLSeconds) * time.Second,
		TypingTTL: time.Duration(typingTTLSeconds) * time.Second,
	}, hotClient, messageDB, socialDB, jobQueue, bp)

	gw = gateway.New(gateway.Config{}, verifier, connRegistry, locationEngine, chatEngine, bp)

	bp.Start()
	defer bp.Stop()

	// Background workers
	pingPersister := persister.New(persister.Config{
		BatchSize:     batchSize,
		FlushInterval: time.Duration(batchFlushMs) * time.Millisecond,
	}, pingDB, sessionDB, jobQueue)
	if err := pingPersister.Start(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start ping persister")
	}

	if err := chat.StartAfterWriteConsumer(jobQueue); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start after-write consumer")
	}

	var sessionReaper *reaper.Reaper
	if reaperEnabled {
		sessionReaper = reaper.New(reaper.Config{
			StaleAfter: time.Duration(sessionStaleHours) * time.Hour,
		}, sessionDB)
		if err := sessionReaper.Start(); err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to start session reaper")
		}
	}

	// HTTP surface
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  int64(time.Since(startTime).Seconds()),
			"version": version,
			"hot":     hotClient.Ping(ctx) == nil,
			"warm":    database.Ping(ctx) == nil,
		})
	})

	gw.Routes(router.Group(""))

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		logger.Log.Info().Str("port", port).Msg("Listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	if sessionReaper != nil {
		sessionReaper.Stop()
	}
	pingPersister.Stop()

	logger.Log.Info().Msg("Shutdown complete")
}

// loadConfigFile reads the optional YAML config named by CONFIG_FILE into
// the fallback map consulted by getEnv.
func loadConfigFile() {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("path", path).Msg("Failed to read config file")
	}
	if err := yaml.Unmarshal(raw, &fileConfig); err != nil {
		logger.Log.Fatal().Err(err).Str("path", path).Msg("Failed to parse config file")
	}
	logger.Log.Info().Str("path", path).Msg("Loaded config file")
}

// getEnv returns the environment value, the config file value, or the
// default, in that order.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := fileConfig[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

// getEnvRaw reads the environment only; used before the config file loads.
func getEnvRaw(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		logger.Log.Warn().Str("key", key).Msg(fmt.Sprintf("Invalid integer, using default %d", defaultValue))
	}
	return defaultValue
}
