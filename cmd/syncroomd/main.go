package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"syncroom/internal/archive"
	"syncroom/internal/config"
	"syncroom/internal/persist"
	"syncroom/internal/relay"
	"syncroom/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	var rdb *redis.Client
	var bridge *server.RedisBridge
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis connection failed: %v", err)
		}
		cancel()
		defer rdb.Close()
		bridge = server.NewRedisBridge(rdb)
		defer bridge.Close()
		log.Printf("Rooms bridged over Redis")
	}

	srv := server.New(bridge)

	store, closeStore := openSnapshotStore(ctx, cfg, rdb)
	if closeStore != nil {
		defer closeStore()
	}
	if store != nil {
		relays := func(clientID uint32) relay.Relay {
			if rdb != nil {
				return relay.NewRedis(rdb, clientID)
			}
			return relay.NewLocal(srv.Hub(), clientID)
		}
		arch := archive.New(store, relays, 0)
		defer arch.Close()
		srv.OnRoomLifecycle(arch.RoomOpened, arch.RoomClosed)
		log.Printf("Snapshot archiving enabled (%s)", cfg.SnapshotBackend)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("syncroom relay listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// openSnapshotStore builds the configured persistence backend. Returns nil
// when archiving is disabled.
func openSnapshotStore(ctx context.Context, cfg config.Config, rdb *redis.Client) (persist.SnapshotStore, func()) {
	switch cfg.SnapshotBackend {
	case "", "none":
		return nil, nil
	case "postgres":
		store, err := persist.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		return store, func() { store.Close() }
	case "minio":
		store, err := persist.NewMinioStore(ctx, persist.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		return store, nil
	case "redis":
		if rdb == nil {
			log.Fatalf("redis snapshot backend needs REDIS_URL")
		}
		return persist.NewRedisStoreWithClient(rdb).WithTTL(cfg.SnapshotTTL), nil
	default:
		log.Fatalf("unknown snapshot backend %q", cfg.SnapshotBackend)
		return nil, nil
	}
}
