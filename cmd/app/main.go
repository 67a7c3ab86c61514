package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/ai"
	"github.com/local/idpcore/internal/blobstore"
	cfgpkg "github.com/local/idpcore/internal/config"
	"github.com/local/idpcore/internal/docindex"
	"github.com/local/idpcore/internal/docqueue"
	"github.com/local/idpcore/internal/ingest"
	"github.com/local/idpcore/internal/limiter"
	logpkg "github.com/local/idpcore/internal/logger"
	"github.com/local/idpcore/internal/metrics"
	"github.com/local/idpcore/internal/ocr"
	"github.com/local/idpcore/internal/orchestrator"
	"github.com/local/idpcore/internal/pagestore"
	"github.com/local/idpcore/internal/pipeline"
	"github.com/local/idpcore/internal/poller"
	"github.com/local/idpcore/internal/scheduler"
	"github.com/local/idpcore/internal/statuscheck"
	"github.com/local/idpcore/internal/store"
)

func main() {
	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()
	metrics.Init()

	ctx := context.Background()

	// Blob store: S3 by default, in-memory for local development.
	var blob blobstore.Store
	if os.Getenv("BLOB_BACKEND") == "memory" {
		blob = blobstore.NewMem()
		log.Warn().Msg("using in-memory blob store; nothing is durable")
	} else {
		s3store, err := blobstore.NewS3(ctx, blobstore.Options{
			Bucket:             cfg.Storage.Bucket,
			Region:             cfg.Storage.Region,
			OpTimeout:          cfg.Storage.OpTimeout,
			EncryptionPassword: cfg.Storage.EncryptionPassword,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("blob store init failed")
		}
		blob = s3store
	}

	// Local persistent state.
	index, err := docindex.Load(cfg.Storage.IndexPath)
	if err != nil {
		log.Fatal().Err(err).Msg("document index load failed")
	}
	queue, err := docqueue.Load(cfg.Storage.QueuePath)
	if err != nil {
		log.Fatal().Err(err).Msg("document queue load failed")
	}

	// Redis is optional: without it the service loses the live progress
	// mirror, the transient page cache and the circuit breaker, but still
	// processes documents.
	rdb, err := store.New(cfg.Redis.URL)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable; transient caches disabled")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	var breaker ai.Breaker
	if rdb != nil {
		breaker = limiter.NewWithClient(rdb.Client(), limiter.Options{
			MaxInflight: cfg.Pipeline.LLMWorkers,
			BaseBackoff: cfg.Provider.BreakerBase,
			MaxBackoff:  cfg.Provider.BreakerMax,
		})
	}

	// Processing core.
	texts := ocr.NewService(blob, ocr.NewEngine(cfg.OCR.Endpoint, cfg.OCR.APIKey, cfg.OCR.Timeout), cfg.OCR)
	llm := ai.NewExtractor(cfg.Provider, cfg.Pipeline.LLMTimeout, breaker)

	var cache pipeline.TransientCache
	if rdb != nil {
		cache = rdb
	}
	exec := pipeline.NewExecutor(blob, texts, llm, index, queue, cache, cfg.Pipeline)

	sched := scheduler.New(exec, cfg.Pipeline.MaxWorkers)
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	sched.Start(runCtx)

	intake := ingest.NewCoordinator(queue, index, blob, sched)

	// Replay documents that were queued or mid-flight when the previous
	// process died.
	for _, entry := range queue.Pending() {
		if err := sched.Submit(entry.DocID, 1); err != nil {
			log.Warn().Err(err).Str("doc_id", entry.DocID).Msg("replay submit failed")
		} else {
			log.Info().Str("doc_id", entry.DocID).Msg("replayed pending document")
		}
	}

	if cfg.Poller.Enabled {
		p := poller.New(blob, intake, cfg.Poller.Prefix, cfg.Poller.Interval)
		go p.Run(runCtx)
	}

	var live orchestrator.Live
	var pageCache pagestore.PageCache
	var pinger statuscheck.RedisPinger
	if rdb != nil {
		live = rdb
		pageCache = rdb
		pinger = rdb
	}

	checker := statuscheck.New(statuscheck.Options{
		Redis:        pinger,
		Blob:         blob,
		OCREndpoint:  cfg.OCR.Endpoint,
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
	})

	orch := orchestrator.New(orchestrator.Dependencies{
		Intake: intake,
		Pages:  pagestore.New(blob, index, pageCache),
		Index:  index,
		Queue:  queue,
		Blob:   blob,
		Live:   live,
		Health: checker,
	})
	mux := http.NewServeMux()
	orch.RegisterRoutes(mux)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Info().Str("port", port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	sched.Stop()
	log.Info().Msg("shutdown complete")
}
