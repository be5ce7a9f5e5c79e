// Command gateway runs the code-generation service: the only process that
// holds TOTP seeds. It serves the current code per enrolled label over a
// small authenticated HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/lsr-sec/totp-bot/internal/config"
	"github.com/lsr-sec/totp-bot/internal/gateway"
	"github.com/lsr-sec/totp-bot/internal/observability"
	"github.com/lsr-sec/totp-bot/internal/sysutil"
)

var version = "dev" // set via -ldflags at build time

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoadGateway()
	sysutil.InitLogger(cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	store, err := gateway.NewSeedStore(cfg.Labels)
	if err != nil {
		log.Fatal().Err(err).Msg("seed configuration invalid")
	}
	gen := gateway.NewGenerator(store, cfg.Period, cfg.Digits)

	engine := gin.New()
	gateway.RegisterRoutes(engine, gen, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().
			Str("version", version).
			Str("addr", srv.Addr).
			Int("labels", store.Len()).
			Bool("auth", cfg.APIKey != "").
			Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	log.Info().Msg("gateway stopped")
}
