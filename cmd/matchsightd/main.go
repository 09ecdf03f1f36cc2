// matchsightd is the live match prediction daemon. It ingests telemetry
// ticks, scores win probabilities, reconciles the professional scene
// across providers, and retrains its model nightly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/velkara/matchsight/pkg/buffer"
	"github.com/velkara/matchsight/pkg/config"
	"github.com/velkara/matchsight/pkg/inference"
	"github.com/velkara/matchsight/pkg/metrics"
	"github.com/velkara/matchsight/pkg/orchestrator"
	"github.com/velkara/matchsight/pkg/providers/history"
	"github.com/velkara/matchsight/pkg/providers/livestats"
	"github.com/velkara/matchsight/pkg/providers/metadata"
	"github.com/velkara/matchsight/pkg/quota"
	"github.com/velkara/matchsight/pkg/reconcile"
	"github.com/velkara/matchsight/pkg/registry"
	"github.com/velkara/matchsight/pkg/state"
	"github.com/velkara/matchsight/pkg/streaming"
	"github.com/velkara/matchsight/pkg/telemetry"
	"github.com/velkara/matchsight/pkg/tickstore"
	"github.com/velkara/matchsight/pkg/training"
)

var configPath = flag.String("config", "", "Path to config file (optional)")

func main() {
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("config load failed", zap.Error(err))
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		zap.NewExample().Fatal("logger init failed", zap.Error(err))
	}
	defer logger.Sync()
	logger.Info("starting matchsightd")

	engine, err := newEngine(cfg, logger)
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.hub.Run()
	go engine.orch.Run(ctx)
	go engine.publishQuotaGauges(ctx)
	if engine.batcher != nil {
		go engine.batcher.Run(ctx)
	}
	if engine.retrainer != nil {
		go engine.retrainer.Run(ctx)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      engine.router(cfg),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	cancel()
	// The orchestrator and batcher flush on cancellation; give them a
	// moment before the final quota flush.
	time.Sleep(500 * time.Millisecond)
	engine.governor.Flush()
	if engine.archive != nil {
		engine.archive.Close()
	}
	engine.quotaStore.Close()
	logger.Info("goodbye")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

type engine struct {
	logger     *zap.Logger
	store      *state.Store
	ring       *buffer.Ring
	predictor  *inference.Predictor
	registry   *registry.Registry
	governor   *quota.Governor
	quotaStore *quota.SQLStore
	hub        *streaming.Hub
	metrics    *metrics.EngineMetrics
	orch       *orchestrator.Orchestrator
	reconciler *reconcile.Reconciler
	retrainer  *training.Retrainer
	archive    *tickstore.Store
	batcher    *tickstore.BatchWriter
}

func newEngine(cfg *config.Config, logger *zap.Logger) (*engine, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Paths.ModelDir, 0o755); err != nil {
		return nil, err
	}

	e := &engine{
		logger:  logger,
		store:   state.NewStore(),
		hub:     streaming.NewHub(logger),
		metrics: metrics.NewEngineMetrics(),
	}
	e.hub.OnClientCount(e.metrics.UpdateClients)

	bufCap := cfg.Engine.BufferCapacity
	if bufCap <= 0 {
		bufCap = buffer.DefaultCapacity
	}
	e.ring = buffer.NewRing(bufCap)

	quotaStore, err := quota.NewSQLStore(cfg.Paths.QuotaDB)
	if err != nil {
		return nil, err
	}
	e.quotaStore = quotaStore

	quotas := make(map[string]quota.Quota, len(cfg.Quotas))
	for source, q := range cfg.Quotas {
		quotas[source] = quota.Quota{
			MonthlyLimit: q.MonthlyLimit,
			DailyLimit:   q.DailyLimit,
			MinuteLimit:  q.MinuteLimit,
		}
	}
	e.governor = quota.NewGovernor(quotas, quotaStore, logger)

	reg, err := registry.New(cfg.Paths.ModelDir, logger)
	if err != nil {
		return nil, err
	}
	e.registry = reg

	e.predictor = inference.NewPredictor(
		reg.CurrentModelPath(), reg.CurrentCalibratorPath(), logger)
	reg.OnSwap(func(v registry.Version) {
		if err := e.predictor.Reload(); err != nil {
			logger.Error("model reload failed",
				zap.Int("version", v.Version), zap.Error(err))
			return
		}
		e.metrics.UpdateModelVersion(v.Version)
		logger.Info("serving new model", zap.Int("version", v.Version))
	})
	if current, ok := reg.Current(); ok {
		e.metrics.UpdateModelVersion(current.Version)
	}

	historyClient := history.NewClient(e.governor, logger,
		history.WithAPIKey(cfg.Providers.HistoryAPIKey),
		history.WithMetrics(e.metrics))
	metaClient := metadata.NewClient(e.governor, logger,
		metadata.WithToken(cfg.Providers.MetadataToken),
		metadata.WithMetrics(e.metrics))

	liveOpts := []livestats.ClientOption{
		livestats.WithAPIKey(cfg.Providers.LivestatsAPIKey),
		livestats.WithMetrics(e.metrics),
	}
	if cfg.Providers.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Providers.RedisAddr})
		liveOpts = append(liveOpts, livestats.WithRedis(rdb))
	}
	liveClient := livestats.NewClient(e.governor, logger, liveOpts...)

	var mockGen *metadata.MockOddsGenerator
	if cfg.Engine.MockOdds {
		mockGen = metadata.NewMockOddsGenerator(cfg.Engine.MockOddsSeed)
	}
	e.reconciler = reconcile.NewReconciler(
		liveClient, metaClient, historyClient, e.predictor, mockGen, logger)

	orchOpts := []orchestrator.Option{
		orchestrator.WithHub(e.hub),
		orchestrator.WithMetrics(e.metrics),
		orchestrator.WithQueueSize(cfg.Engine.QueueSize),
	}
	if mockGen != nil {
		orchOpts = append(orchOpts, orchestrator.WithMockOdds(mockGen))
	}
	if cfg.Engine.ArchiveTicks {
		archive, err := tickstore.Open(cfg.Paths.TickDB, logger)
		if err != nil {
			return nil, err
		}
		e.archive = archive
		e.batcher = tickstore.NewBatchWriter(archive,
			time.Duration(cfg.Engine.FlushIntervalSec)*time.Second, logger)
		orchOpts = append(orchOpts, orchestrator.WithArchive(archive, e.batcher))
	}
	e.orch = orchestrator.New(e.store, e.ring, e.predictor, logger, orchOpts...)

	if cfg.Training.Enabled {
		dataset, err := training.OpenDataset(cfg.Paths.DataDir)
		if err != nil {
			return nil, err
		}
		trainer := training.NewTrainer(dataset, reg, logger)
		e.retrainer = training.NewRetrainer(
			historyClient, dataset, trainer, reg, cfg.Training.Tag, logger)
		e.retrainer.SetMetrics(e.metrics)
	}

	return e, nil
}

func (e *engine) router(cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/ingest", e.handleIngest(cfg.Server.AllowedIngestIPs))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/matches/live", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, e.store.Payload())
		})
		r.Get("/matches/live/pro", func(w http.ResponseWriter, r *http.Request) {
			views, err := e.reconciler.LiveProMatches(r.Context())
			if err != nil {
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, views)
		})
		r.Get("/versions", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, e.registry.List())
		})
		r.Get("/quota", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, e.governor.StatusAll())
		})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"queue_depth":   e.orch.QueueDepth(),
			"ws_clients":    e.hub.ClientCount(),
			"buffer_len":    e.ring.Len(),
			"ticks_ok":      e.ring.Accepted(),
			"ticks_deduped": e.ring.Rejected(),
			"model_version": e.predictor.ModelVersion(),
			"has_model":     e.predictor.HasModel(),
		}
		if current, ok := e.store.Current(); ok {
			status["match_id"] = current.MatchID
			status["game_time"] = current.Game.GameTime
		}
		writeJSON(w, http.StatusOK, status)
	})

	r.Handle("/metrics", promhttp.HandlerFor(e.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/ws/live", e.hub.ServeWS)

	return r
}

// publishQuotaGauges mirrors governor usage onto the quota gauges.
func (e *engine) publishQuotaGauges(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range e.governor.StatusAll() {
				if s.MonthlyLimit > 0 {
					e.metrics.UpdateQuota(s.Source, "monthly",
						float64(s.MonthlyUsed)/float64(s.MonthlyLimit))
				}
				if s.DailyLimit > 0 {
					e.metrics.UpdateQuota(s.Source, "daily",
						float64(s.DailyUsed)/float64(s.DailyLimit))
				}
				if s.MinuteLimit > 0 {
					e.metrics.UpdateQuota(s.Source, "minute",
						float64(s.MinuteUsed)/float64(s.MinuteLimit))
				}
			}
		}
	}
}

// handleIngest accepts telemetry POSTs from the spectator relay. When
// an allow-list is configured, other sources are rejected.
func (e *engine) handleIngest(allowedIPs []string) http.HandlerFunc {
	allowed := make(map[string]bool, len(allowedIPs))
	for _, ip := range allowedIPs {
		allowed[ip] = true
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if len(allowed) > 0 {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !allowed[host] {
				e.logger.Warn("ingest rejected", zap.String("remote", host))
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
				return
			}
		}

		body := http.MaxBytesReader(w, r.Body, 1<<20)
		defer body.Close()
		raw, err := io.ReadAll(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body too large"})
			return
		}

		tick, err := telemetry.ParseTick(raw)
		if err != nil {
			e.metrics.RecordDrop("parse_error")
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if tick.ReceivedAt.IsZero() {
			tick.ReceivedAt = time.Now().UTC()
		}

		if !e.orch.Submit(tick) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue full"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
