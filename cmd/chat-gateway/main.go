package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chat_gateway/internal/broker"
	"chat_gateway/internal/config"
	"chat_gateway/internal/history"
	"chat_gateway/internal/presence"
	"chat_gateway/internal/registry"
	"chat_gateway/internal/worker"
	"chat_gateway/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checks belong to the fronting route layer
	},
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "chat-gateway").Logger()

	// Optional .env for local runs.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Presence counter.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	counter := presence.NewRedisCounter(redisClient, cfg.PresenceKey)

	// History store.
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to mongodb")
	}
	defer mongoClient.Disconnect(context.Background())
	store := history.NewMongoStore(mongoClient.Database(cfg.MongoDatabase), cfg.MongoCollection)

	// Broker bridge.
	mq, err := broker.NewClient(cfg.AMQPURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}
	defer mq.Close()

	reg := registry.New(logger)

	// The two process-lifetime loops, each on its own broker channel.
	broadcastMsgs, err := mq.Consume(broker.BroadcastQueue, cfg.ConsumerPrefetch)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start broadcast consumer")
	}
	persistMsgs, err := mq.Consume(broker.PersistQueue, cfg.ConsumerPrefetch)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start persist consumer")
	}

	go func() {
		err := worker.NewBroadcast(reg, logger).Run(ctx, broadcastMsgs)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("broadcast worker stopped")
			stop()
		}
	}()
	go func() {
		err := worker.NewPersist(store, logger).Run(ctx, persistMsgs)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("persist worker stopped")
			stop()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		session := ws.NewSession(conn, reg, mq, counter, store, cfg.HistoryLimit, logger)
		session.Run(ctx)
	})

	server := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.Addr).Msg("gateway listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
