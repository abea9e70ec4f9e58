package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-listen/internal/config"
	"go-listen/internal/db"
	"go-listen/internal/logger"
	myMiddleware "go-listen/internal/middleware"
	"go-listen/internal/room"
	"go-listen/internal/user"
)

const subscribeTimeout = 10 * time.Second

func main() {
	// 1. Config & Flags
	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()
	cfg.Addr = *addr

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("❌ Logger setup failed: %v", err)
	}

	ctx := context.Background()
	hubOpts := room.Options{Logger: zl.Named("hub")}
	// Closed in order after the hub has drained.
	var closers []func() error
	var bus *room.RedisBus

	// 2. Connect to Redis (optional; shares rooms between instances)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			zl.Fatal("❌ Failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		zl.Info("✅ Connected to Redis", zap.String("addr", cfg.RedisAddr))

		hubOpts.Store = room.NewRedisStore(redisClient)
		bus = room.NewRedisBus(redisClient, zl.Named("bus"))
		hubOpts.Bus = bus
		closers = append(closers, redisClient.Close)
	} else {
		zl.Info("Running without Redis: rooms are local to this instance")
	}

	// 3. Identity source (optional)
	var (
		userHandler    *user.Handler
		authMiddleware *myMiddleware.AuthMiddleware
	)
	if cfg.AuthEnabled() {
		database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			zl.Fatal("❌ Failed to connect to DB", zap.Error(err))
		}
		zl.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			zl.Fatal("❌ Migration failed", zap.Error(err))
		}
		zl.Info("✅ Database Schema Initialized")
		closers = append(closers, database.Close)

		userService := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret)
		userHandler = user.NewHandler(userService, zl.Named("user"))
		authMiddleware = myMiddleware.NewAuthMiddleware(userService)
	}
	if cfg.RequireAuth {
		hubOpts.Authorizer = room.RequireIdentity
	}

	// 4. Room relay
	hub := room.NewHub(hubOpts)
	hubCtx, stopHub := context.WithCancel(ctx)
	go hub.Run(hubCtx)
	if bus != nil {
		// Events relayed before the subscription is live would be lost.
		select {
		case <-bus.Ready():
			zl.Info("✅ Subscribed to relay channel")
		case <-time.After(subscribeTimeout):
			zl.Fatal("❌ Relay subscription timed out")
		}
	}

	roomHandler := room.NewHandler(hub, zl.Named("ws"), room.HandlerOptions{
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimitPerSec,
		RateBurst:      cfg.RateLimitBurst,
	})

	// 5. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(myMiddleware.RequestLogger(zl.Named("http")))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		switch {
		case cfg.RequireAuth:
			r.Use(authMiddleware.Handle)
		case authMiddleware != nil:
			r.Use(authMiddleware.Optional)
		}
		roomHandler.Routes(r)
	})

	if userHandler != nil {
		userHandler.Routes(r)
		r.With(authMiddleware.Handle).Get("/api/me", userHandler.Me)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		zl.Info("🚀 Server starting", zap.String("addr", cfg.Addr), zap.Bool("require_auth", cfg.RequireAuth))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("❌ HTTP server failed", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"listen-server": func(ctx context.Context) error {
			zl.Info("Graceful shutdown initiated...")
			// Stop accepting upgrades first; the hub then removes live
			// sockets from the shared table before Redis goes away.
			errs := []error{srv.Shutdown(ctx)}
			stopHub()
			select {
			case <-hub.Done():
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
			}
			for _, closeFn := range closers {
				errs = append(errs, closeFn())
			}
			return errors.Join(errs...)
		},
	})
	exitCode := <-wait
	zl.Info("Server exited", zap.Int("code", exitCode))
	zl.Sync()
	os.Exit(exitCode)
}
