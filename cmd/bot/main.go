// Command bot runs the Zulip TOTP bot: it consumes the organization's event
// stream, answers code requests over DM, and serves a small admin API with
// the audit trail and metrics.
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

	"github.com/lsr-sec/totp-bot/internal/access"
	"github.com/lsr-sec/totp-bot/internal/audit"
	"github.com/lsr-sec/totp-bot/internal/bot"
	"github.com/lsr-sec/totp-bot/internal/config"
	httpapi "github.com/lsr-sec/totp-bot/internal/http"
	"github.com/lsr-sec/totp-bot/internal/observability"
	"github.com/lsr-sec/totp-bot/internal/repo"
	"github.com/lsr-sec/totp-bot/internal/sysutil"
	"github.com/lsr-sec/totp-bot/internal/totp"
	"github.com/lsr-sec/totp-bot/internal/zulip"
)

var version = "dev" // set via -ldflags at build time

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoadBot()
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

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	zc := zulip.NewClient(cfg.Zulip.OrgURL, cfg.Zulip.BotEmail, cfg.Zulip.BotToken,
		cfg.Zulip.CallTimeout, cfg.Zulip.EventTimeout)
	oracle := totp.NewClient(cfg.Oracle.BaseURL, cfg.Oracle.Token, cfg.Oracle.Timeout)
	acl := access.NewController(zc)
	sink := audit.NewSink(zc, db, cfg.AuditStream, cfg.AuditTopic, cfg.FallbackStream, log.Logger)

	dispatcher := bot.NewDispatcher(zc, zc, acl, oracle, sink, bot.GormCursorStore{DB: db},
		bot.Options{
			BotEmail:       cfg.Zulip.BotEmail,
			BotName:        cfg.Zulip.BotName,
			AllowedSenders: cfg.AllowedSenders,
			RetryBackoff:   cfg.RetryBackoff,
			CallTimeout:    cfg.Zulip.CallTimeout,
		}, log.Logger)

	// Admin API on its own port, meant for an internal interface.
	engine := gin.New()
	httpapi.RegisterAdminRoutes(engine, db, cfg)
	admin := &http.Server{
		Addr:              ":" + cfg.AdminPort,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	go func() {
		log.Info().Str("addr", admin.Addr).Msg("admin API listening")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server failed")
			stop()
		}
	}()

	log.Info().
		Str("version", version).
		Str("org", cfg.Zulip.OrgURL).
		Str("bot", cfg.Zulip.BotEmail).
		Msg("starting event loop")

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("event loop exited")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("admin shutdown")
	}
	log.Info().Msg("bot stopped")
}
