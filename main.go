package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/padraicbc/raceway/config"
	"github.com/padraicbc/raceway/db"
	"github.com/padraicbc/raceway/handlers"
	"github.com/padraicbc/raceway/live"
	applog "github.com/padraicbc/raceway/logger"
	mw "github.com/padraicbc/raceway/middleware"
	"github.com/padraicbc/raceway/workers"
)

func main() {
	cfg := config.Load()
	logger, err := applog.New(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	bdb := db.Setup(cfg)
	defer bdb.Close()

	if err := db.CreateTables(context.Background(), bdb); err != nil {
		logger.Fatal("create tables failed", zap.Error(err))
	}

	rdb, err := live.OpenRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connect failed", zap.Error(err))
	}
	defer rdb.Close()

	positions := live.NewPositionStore(rdb)
	hub := live.NewHub(bdb, positions, logger)

	sched, err := workers.StartCompletionSweeper(bdb, hub, time.Duration(cfg.SweepSeconds)*time.Second, logger)
	if err != nil {
		logger.Fatal("start completion sweeper failed", zap.Error(err))
	}
	defer func() { _ = sched.Shutdown() }()

	h := handlers.New(bdb, hub, positions, cfg.JWTKey())

	e := echo.New()
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.Int("status", v.Status),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			switch {
			case v.Status >= 500:
				logger.Error("http request", fields...)
			case v.Status >= 400:
				logger.Warn("http request", fields...)
			default:
				logger.Info("http request", fields...)
			}
			return nil
		},
	}))
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"*", "Authorization"},
		AllowCredentials: true,
	}))

	// Public
	e.POST("/auth/register", h.Register)
	e.POST("/auth/login", h.Login)

	// Live channel – authenticates itself from the token query param.
	e.GET("/ws", hub.Serve(cfg.JWTKey()))

	// Protected – require valid JWT in Authorization header
	api := e.Group("", mw.JWT(cfg.JWTKey()))
	api.GET("/auth/me", h.Me)

	api.GET("/circuits", h.Circuits)
	api.POST("/circuits", h.CreateCircuit)
	api.GET("/circuits/:id", h.Circuit)
	api.DELETE("/circuits/:id", h.DeleteCircuit)

	api.GET("/races", h.Races)
	api.POST("/races", h.CreateRace)
	api.GET("/races/:id", h.Race)
	api.POST("/races/:id/join", h.JoinRace)
	api.POST("/races/:id/start", h.StartRace)
	api.GET("/races/:id/leaderboard", h.Leaderboard)
	api.GET("/races/:id/positions", h.Positions)

	api.POST("/friends/request", h.RequestFriend)
	api.GET("/friends", h.Friends)
	api.POST("/friends/:id/accept", h.AcceptFriend)

	api.POST("/groups", h.CreateGroup)
	api.GET("/groups", h.Groups)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := e.Shutdown
	if cfg.Debug {
		logger.Info("starting server", zap.String("mode", "debug"), zap.String("addr", cfg.Port))
		go func() {
			if err := e.Start(cfg.Port); err != nil && err != http.ErrServerClosed {
				logger.Fatal("server exited", zap.Error(err))
			}
		}()
	} else {
		autoTLS := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(".cache"),
			HostPolicy: autocert.HostWhitelist(cfg.TLSDomains...),
		}

		s := &http.Server{
			Addr:         ":443",
			Handler:      e,
			TLSConfig:    autoTLS.TLSConfig(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  15 * time.Second,
		}
		shutdown = s.Shutdown

		go func() {
			if err := s.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("tls server exited", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown(shutCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}
