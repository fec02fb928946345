package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"mindmapsync/mapserver"
	"mindmapsync/mapstore"
)

func main() {
	// Parse command line flags
	addr := flag.String("addr", ":8080", "HTTP listen address")
	mongoURI := flag.String("mongo-uri", "", "MongoDB connection URI (empty runs with the in-memory operation log)")
	dbName := flag.String("db-name", "mindmapsync", "Database name")
	redisAddr := flag.String("redis-addr", "", "Redis address for presence and cross-node fanout (empty disables both)")
	redisPassword := flag.String("redis-password", "", "Redis password")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load environment variables from .env file if it exists
	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			log.Printf("Warning: Error loading .env file: %v", err)
		}
	}

	// Override with environment variables if they exist
	if v := os.Getenv("ADDR"); v != "" {
		*addr = v
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		*mongoURI = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		*dbName = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		*redisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		*redisPassword = v
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleanup, err := buildStore(ctx, *mongoURI, *dbName, logger)
	if err != nil {
		logger.Fatal("Failed to set up operation log", zap.Error(err))
	}
	defer cleanup()

	var presence *mapserver.PresenceRegistry
	if *redisAddr != "" {
		presence, err = mapserver.NewPresenceRegistry(ctx, *redisAddr, *redisPassword, 0, logger)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer presence.Close()
	} else {
		logger.Info("Redis not configured, running as a single node")
	}

	hub := mapserver.NewHub(store, presence, logger)
	defer hub.Close()

	server := &http.Server{
		Addr:         *addr,
		Handler:      mapserver.NewServer(hub, logger).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("Relay server listening", zap.String("addr", *addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Received termination signal, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown did not finish cleanly", zap.Error(err))
	}
	logger.Info("Relay server shutdown complete")
}

// buildStore connects the durable operation log, falling back to the
// in-memory log when MongoDB is not configured.
func buildStore(ctx context.Context, mongoURI, dbName string, logger *zap.Logger) (mapstore.OperationStore, func(), error) {
	if mongoURI == "" {
		logger.Info("MongoDB not configured, using in-memory operation log")
		return mapstore.NewMemoryOperationStore(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, nil, err
	}
	logger.Info("Connected to MongoDB", zap.String("database", dbName))

	store, err := mapstore.NewMongoOperationStore(connectCtx, client, dbName, "operations", logger)
	if err != nil {
		client.Disconnect(context.Background())
		return nil, nil, err
	}

	cleanup := func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Disconnect(disconnectCtx)
	}
	return store, cleanup, nil
}
