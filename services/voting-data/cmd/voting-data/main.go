package main

import (
	"context"
	"net/http"
	"time"

	"github.com/openvotes/voteflow/libs/config"
	"github.com/openvotes/voteflow/libs/db"
	"github.com/openvotes/voteflow/libs/httpx"
	"github.com/openvotes/voteflow/libs/kafkax"
	otelx "github.com/openvotes/voteflow/libs/otel"
	"github.com/openvotes/voteflow/libs/runtime"
	"github.com/openvotes/voteflow/services/voting-data/internal/handlers"
	"github.com/openvotes/voteflow/services/voting-data/internal/notify"
	"github.com/openvotes/voteflow/services/voting-data/internal/outbox"
	"github.com/openvotes/voteflow/services/voting-data/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "voting-data")
	port, err := config.Port("PORT", "8081")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	brokers, err := config.RequiredString("KAFKA_BROKERS")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	repo := storage.NewCounterRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Error("schema setup failed", "err", err)
		panic(err)
	}

	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{
		Brokers: brokers,
		Topic:   config.String("KAFKA_TOPIC", "vote-notifications"),
		Source:  service,
	}, logger)
	if err != nil {
		logger.Error("dispatcher setup failed", "err", err)
		panic(err)
	}
	defer func() { _ = dispatcher.Close() }()

	// With the outbox enabled (the default) notification intent is committed
	// with the mutation and drained by the publisher; disabling it restores
	// synchronous dispatch on the request path.
	var outboxStore handlers.OutboxStore
	if config.Bool("OUTBOX_ENABLED", true) {
		outboxRepo := outbox.NewRepository(pool)
		outboxStore = outboxRepo
		publisher := outbox.NewPublisher(pool, outboxRepo, dispatcher, logger, outbox.PublisherConfig{
			PollEvery: time.Duration(config.Int("OUTBOX_POLL_MS", 2000)) * time.Millisecond,
			BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
		})
		go publisher.Run(ctx)
	} else {
		logger.Info("outbox disabled; dispatching notifications on the request path")
	}

	voteHandler := handlers.NewVoteDataHandler(repo, outboxStore, dispatcher, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.HandleFunc("/api/VoteData", voteHandler.List)
	mux.HandleFunc("/api/VoteData/", voteHandler.Mutate)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "voting-data")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
