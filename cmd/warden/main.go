package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	wardenconfig "github.com/jddunn/safeos/internal/config"
	"github.com/jddunn/safeos/internal/escalate"
	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/handlers"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/internal/notify"
	"github.com/jddunn/safeos/internal/pipeline"
	"github.com/jddunn/safeos/internal/profiles"
	"github.com/jddunn/safeos/internal/review"
	"github.com/jddunn/safeos/internal/signaling"
	"github.com/jddunn/safeos/internal/store"
	"github.com/jddunn/safeos/internal/streams"
	"github.com/jddunn/safeos/internal/telemetry"
	"github.com/jddunn/safeos/pkg/clients/chatbot"
	"github.com/jddunn/safeos/pkg/clients/smsgw"
	"github.com/jddunn/safeos/pkg/clients/webpush"
	"github.com/jddunn/safeos/pkg/config"
	"github.com/jddunn/safeos/pkg/database"
	"github.com/jddunn/safeos/pkg/kafka"
	"github.com/jddunn/safeos/pkg/logging"
	"github.com/jddunn/safeos/pkg/monitoring"
	"github.com/jddunn/safeos/pkg/redis"
	"github.com/jddunn/safeos/pkg/server"
	"github.com/jddunn/safeos/pkg/version"
	"github.com/jddunn/safeos/pkg/vision"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("warden")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Warden (SafeOS Monitoring Backend)")

	cfg := wardenconfig.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("Invalid configuration")
		os.Exit(2)
	}

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer func() { _ = db.Close() }()

	st := store.New(db, logger)
	if err := st.ApplySchema(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}
	seedBanList(st, cfg.BanListPath, logger)

	// Event hub routes pipeline/engine events to intake sockets.
	hub := events.NewHub(logger)
	go hub.Run()
	defer hub.Stop()

	// Optional telemetry sinks: warn and run without them when unconfigured.
	sink := events.Fanout{hub}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, "warden", logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to create Kafka producer - event export disabled")
		} else {
			exporter := telemetry.NewExporter(producer, logger)
			exporter.Start()
			defer func() { exporter.Stop(); _ = producer.Close() }()
			sink = append(sink, exporter)
		}
	} else {
		logger.Warn("KAFKA_BROKERS not set - event export disabled")
	}

	if cfg.ClickHouseAddr != "" {
		chConfig := database.DefaultClickHouseConfig()
		chConfig.Addr = []string{cfg.ClickHouseAddr}
		chConfig.Database = cfg.ClickHouseDatabase
		chConn, err := database.ConnectClickHouseNative(chConfig, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to ClickHouse - analysis sink disabled")
		} else {
			recorder := telemetry.NewAnalysisRecorder(chConn, logger)
			recorder.Start()
			defer recorder.Stop()
			sink = append(sink, recorder)
		}
	} else {
		logger.Warn("CLICKHOUSE_ADDR not set - analysis sink disabled")
	}

	// Stream manager with optional Redis snapshots for restart rehydration.
	manager := streams.NewManager(st, sink, logger, streams.Options{
		FlushInterval:     cfg.CounterFlush,
		PingTimeout:       cfg.PingTimeout,
		InactivityTimeout: cfg.InactivityTimeout,
	})
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClientFromURL(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to Redis - stream snapshots disabled")
		} else {
			defer func() { _ = redisClient.Close() }()
			manager.SetSnapshots(streams.NewRedisSnapshots(redisClient, logger))
		}
	} else {
		logger.Warn("REDIS_URL not set - stream snapshots disabled")
	}
	if err := manager.Rehydrate(context.Background()); err != nil {
		logger.WithError(err).Warn("Failed to rehydrate active streams")
	}

	registry := profiles.NewRegistry(st, logger)

	// Vision backends: local inference server plus the ordered cloud chain.
	local := vision.NewLocalProvider(vision.Config{
		Provider: "local",
		APIURL:   cfg.InferenceURL,
		Timeout:  cfg.LocalTimeout,
	})
	chain := cloudChain(cfg, logger)

	// Notification channels.
	notifier := notify.NewNotifier(notify.Options{
		MaxConcurrentSends: cfg.MaxConcurrentSends,
		SendTimeout:        10 * time.Second,
		DashboardURL:       cfg.DashboardURL,
	}, manager, sink, logger)
	registerChannels(notifier, st, cfg, logger)
	defer notifier.Stop()

	engine := escalate.NewEngine(notifier, st, logger)
	defer engine.Stop()

	pipe := pipeline.NewPipeline(pipeline.Options{
		TriageModel:     cfg.InferenceTriageModel,
		AnalysisModel:   cfg.InferenceAnalysisModel,
		LocalTimeout:    cfg.LocalTimeout,
		VerifyThreshold: cfg.VerifyThreshold,
		MaxConcurrent:   cfg.MaxConcurrentAnalyses,
		QueueSize:       cfg.FrameQueueSize,
		Moderation:      cfg.ModerationCategories,
	}, local, chain, registry, manager, engine, st, sink, logger)
	pipe.Start()
	defer pipe.Stop()

	manager.SetOnEnd(pipe.Remove)
	manager.SetOnInactive(func(stream models.Stream, idle time.Duration) {
		raiseInactivityAlert(st, manager, engine, sink, logger, stream, idle)
	})
	manager.Start()
	defer manager.Stop()

	queue := review.NewQueue(review.Options{
		LeaseTimeout: cfg.LeaseTimeout,
		Privileged:   cfg.PrivilegedReviewers,
	}, st, manager, sink, logger)
	queue.Start()
	defer queue.Stop()

	sw := signaling.NewSwitch(signaling.Options{
		MaxRooms:          cfg.MaxRooms,
		MaxViewersPerRoom: cfg.MaxViewersPerRoom,
		RoomTimeout:       cfg.RoomTimeout,
	}, logger)
	sw.Start()
	defer sw.Stop()

	h := handlers.NewHandlers(st, manager, pipe, engine, registry, queue, hub, sink, sw, logger)
	h.Health().AddCheck("inference", inferenceCheck(local))

	metricsCollector := monitoring.NewMetricsCollector("warden", version.Version, version.GitCommit)

	apiRouter := server.SetupServiceRouter(logger, "warden", h.Health(), metricsCollector)
	h.RegisterAPIRoutes(apiRouter)

	wsRouter := server.SetupRouterWithService(logger, "warden-ws")
	h.RegisterWSRoutes(wsRouter)

	if err := server.StartAll(logger,
		server.Listener{Config: server.DefaultConfig("warden", cfg.APIPort), Handler: apiRouter},
		server.Listener{Config: wsConfig(cfg.WSPort), Handler: wsRouter},
	); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

// wsConfig relaxes the write timeout for the WebSocket listener; intake and
// signaling connections outlive any sane HTTP write deadline.
func wsConfig(port string) server.Config {
	cfg := server.DefaultConfig("warden-ws", port)
	cfg.Port = port
	cfg.ReadTimeout = 0
	cfg.WriteTimeout = 0
	return cfg
}

// cloudChain builds the ordered fallback chain from CLOUD_PROVIDERS.
// Providers without credentials are skipped with a warning so a partially
// configured deployment still gets the remaining fallbacks.
func cloudChain(cfg wardenconfig.Config, logger logging.Logger) *vision.Chain {
	var providers []vision.Provider
	for _, name := range cfg.CloudProviders {
		pcfg := vision.Config{Provider: name, Timeout: cfg.CloudTimeout}
		switch name {
		case "openai":
			pcfg.APIKey = cfg.OpenAIAPIKey
			pcfg.Model = cfg.OpenAIModel
			pcfg.APIURL = cfg.OpenAIAPIURL
		case "anthropic":
			pcfg.APIKey = cfg.AnthropicAPIKey
			pcfg.Model = cfg.AnthropicModel
			pcfg.APIURL = cfg.AnthropicAPIURL
		}
		provider, err := vision.NewProvider(pcfg)
		if err != nil {
			logger.WithError(err).WithField("provider", name).Warn("Skipping cloud provider")
			continue
		}
		providers = append(providers, provider)
	}
	if len(providers) == 0 {
		logger.Warn("No cloud providers configured - fallback analysis disabled")
		return nil
	}
	return vision.NewChain(providers...)
}

// registerChannels wires every notification channel whose credentials are
// present.
func registerChannels(notifier *notify.Notifier, st *store.Store, cfg wardenconfig.Config, logger logging.Logger) {
	if cfg.VAPIDPrivateKey != "" {
		pushClient, err := webpush.NewClient(cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
		if err != nil {
			logger.WithError(err).Warn("Failed to create Web Push client - browser notifications disabled")
		} else {
			notifier.Register(notify.NewPushChannel(pushClient, st, logger))
		}
	} else {
		logger.Warn("VAPID keys not set - browser notifications disabled")
	}

	if cfg.SMSSID != "" && cfg.SMSToken != "" && cfg.SMSFrom != "" {
		var opts []smsgw.Option
		if cfg.SMSAPIURL != "" {
			opts = append(opts, smsgw.WithBaseURL(cfg.SMSAPIURL))
		}
		smsClient := smsgw.NewClient(cfg.SMSSID, cfg.SMSToken, cfg.SMSFrom, opts...)
		notifier.Register(notify.NewSMSChannel(smsClient, st, cfg.SMSRateLimit, cfg.SMSRateWindow, logger))
	} else {
		logger.Warn("SMS credentials not set - SMS notifications disabled")
	}

	if cfg.ChatBotToken != "" {
		var opts []chatbot.Option
		if cfg.ChatAPIURL != "" {
			opts = append(opts, chatbot.WithBaseURL(cfg.ChatAPIURL))
		}
		chatClient := chatbot.NewClient(cfg.ChatBotToken, opts...)
		notifier.Register(notify.NewChatChannel(chatClient, st, logger))
	} else {
		logger.Warn("CHAT_BOT_TOKEN not set - chat notifications disabled")
	}
}

// raiseInactivityAlert files the alert the liveness sweeper asks for when an
// elderly-scenario stream goes quiet, and starts its escalation.
func raiseInactivityAlert(st *store.Store, manager *streams.Manager, engine *escalate.Engine,
	sink events.Sink, logger logging.Logger, stream models.Stream, idle time.Duration) {
	alert := models.Alert{
		ID:       uuid.New().String(),
		StreamID: stream.ID,
		Type:     models.AlertInactivity,
		Severity: models.SeverityWarning,
		Title:    "No activity detected",
		Body: fmt.Sprintf("Stream %q has produced no frames for %s.",
			stream.Name, idle.Round(time.Second)),
		CreatedAt:       time.Now().UTC(),
		EscalationLevel: escalate.StartLevel(models.SeverityWarning),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.CreateAlertWithFlag(ctx, &alert, nil); err != nil {
		logger.WithError(err).WithField("stream_id", stream.ID).Error("Failed to persist inactivity alert")
		return
	}
	manager.IncAlerts(stream.ID)
	engine.Start(alert)
	sink.Publish(events.Event{
		Type:     events.TypeAlertCreated,
		StreamID: stream.ID,
		Data:     map[string]any{"alert": alert},
	})
}

// seedBanList imports user ids from BAN_LIST_PATH, one per line, # comments
// allowed. Missing file is a warning, not an error.
func seedBanList(st *store.Store, path string, logger logging.Logger) {
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("Failed to read ban list seed file")
		return
	}
	var ids []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.SeedBans(ctx, ids); err != nil {
		logger.WithError(err).Warn("Failed to seed ban list")
		return
	}
	logger.WithField("count", len(ids)).Info("Seeded ban list")
}

func inferenceCheck(provider vision.Provider) monitoring.HealthCheck {
	return func() monitoring.CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := provider.Healthy(ctx); err != nil {
			return monitoring.CheckResult{
				Status:  monitoring.StatusDegraded,
				Message: fmt.Sprintf("Inference server unreachable: %v", err),
				Latency: time.Since(start).String(),
			}
		}
		return monitoring.CheckResult{
			Status:  monitoring.StatusHealthy,
			Message: "Inference server responding",
			Latency: time.Since(start).String(),
		}
	}
}
