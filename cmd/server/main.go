package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/api"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/broadcast"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/campaign"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/config"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger/mock"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pkg/distlock"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pkg/logger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/ratelimit"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/render"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/repository/postgres"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/retrygov"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.RedactEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres
	if cfg.Database.URL == "" {
		log.Fatal("database url is required (database.url or DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("Database ping failed: %v", err)
	}

	store := postgres.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Schema migration failed: %v", err)
	}
	logger.Info("database connected", "max_open_conns", fmt.Sprint(cfg.Database.MaxOpenConns))

	// Redis backs the send budgets and the recovery lock; without it the
	// engine falls back to in-process budgets and the PG advisory lock.
	var rdb *redis.Client
	var limiter *ratelimit.Limiter
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err = rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Warn("redis unreachable, falling back to PG advisory lock", "addr", cfg.Redis.Addr, "error", err.Error())
			rdb.Close()
			rdb = nil
		} else {
			limiter = ratelimit.New(rdb)
			logger.Info("redis connected", "addr", cfg.Redis.Addr)
		}
	}

	recoveryLock := distlock.NewLock(rdb, db, "blast:recovery", cfg.Engine.RecoveryLockTTL())

	// The engine talks to WhatsApp through the messenger capability. The
	// scripted mock stands in until a live gateway client is registered.
	var transport messenger.Messenger = mock.New()

	hub := broadcast.NewHub()
	mgr := campaign.New(store, transport, hub, limiter, recoveryLock)

	if err := mgr.Recover(ctx, ""); err != nil {
		logger.Error("startup recovery failed", "error", err.Error())
	}
	go mgr.RunReclaimer(ctx, cfg.Engine.ReclaimInterval())

	governor := retrygov.New(store, transport, render.New(rand.NewSource(time.Now().UnixNano())), limiter, rand.NewSource(time.Now().UnixNano()))
	governor.SetCadence(cfg.Engine.RetryTick(), 3*time.Second, 8*time.Second)
	go governor.Run(ctx)

	handler := api.NewServer(mgr, governor, hub, cfg.Server.AllowedOrigins)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	logger.Info("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err.Error())
	}
	mgr.Shutdown()

	if rdb != nil {
		rdb.Close()
	}
	db.Close()
	logger.Info("server stopped")
}
