package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stepauth/stepauth/internal/auth"
	"github.com/stepauth/stepauth/internal/config"
	"github.com/stepauth/stepauth/internal/database"
	"github.com/stepauth/stepauth/internal/email"
	"github.com/stepauth/stepauth/internal/handler"
	"github.com/stepauth/stepauth/internal/logger"
	"github.com/stepauth/stepauth/internal/middleware"
	"github.com/stepauth/stepauth/internal/provider"
	"github.com/stepauth/stepauth/internal/repository"
	"github.com/stepauth/stepauth/internal/router"
	"github.com/stepauth/stepauth/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", "0.1.0").Msg("starting StepAuth server")

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Connect to Redis
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("connected to Redis")

	// Initialize repositories
	methodRepo := repository.NewMethodRepository(db)
	challengeRepo := repository.NewChallengeRepository(db)
	recoveryCodeRepo := repository.NewRecoveryCodeRepository(db)
	pushDeviceRepo := repository.NewPushDeviceRepository(db)
	pushChallengeRepo := repository.NewPushChallengeRepository(db)

	// Initialize token verification
	tokenSvc := auth.NewTokenService(cfg.Security.Tokens)

	// Email sender: Gmail when configured, log-only otherwise
	sender := newEmailSender(cfg, log)

	// Push sender: FCM when a server key is configured, log-only otherwise
	var pushSender provider.PushSender
	if cfg.Push.FCMServerKey != "" {
		pushSender = provider.NewFCMSender(cfg.Push.FCMServerKey, log)
		log.Info().Msg("FCM push sender initialized")
	} else {
		pushSender = provider.NewLogSender(log)
		log.Warn().Msg("no FCM server key configured, push notifications will be logged only")
	}

	// Initialize providers
	totpProvider := provider.NewTOTPProvider(cfg.TOTP)
	webauthnProvider, err := provider.NewWebAuthnProvider(cfg.WebAuthn, rdb, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize WebAuthn provider")
	}

	// Initialize services
	recoverySvc := service.NewRecoveryService(recoveryCodeRepo, log)
	emailCodeSvc := service.NewEmailCodeService(rdb, sender, cfg, log)
	dispatcher := service.NewMethodDispatcher(totpProvider, emailCodeSvc, webauthnProvider, recoverySvc, log)
	challengeSvc := service.NewChallengeService(challengeRepo, methodRepo, emailCodeSvc, dispatcher, cfg, log)
	methodSvc := service.NewMethodService(methodRepo, recoverySvc, totpProvider, emailCodeSvc, cfg, log)
	pushSvc := service.NewPushService(pushDeviceRepo, pushChallengeRepo, methodRepo, pushSender, cfg, log)
	log.Info().Msg("services initialized")

	// Initialize handlers
	h := handler.New(db, rdb, log, cfg, challengeSvc, methodSvc, pushSvc)

	// Initialize middleware
	mw := middleware.New(rdb, log, cfg)

	// Set up router
	r := router.New(h, mw, log, tokenSvc)

	// Background retention sweeps
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go runCleanupLoop(sweepCtx, cfg.Challenge.CleanupInterval, log, challengeSvc, pushSvc, methodSvc)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	stopSweeps()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func newEmailSender(cfg *config.Config, log *logger.Logger) email.Sender {
	gm := cfg.Email.Gmail
	switch {
	case gm.ClientID != "" && gm.RefreshToken != "":
		sender, err := email.NewGmailSenderWithToken(context.Background(), gm.ClientID, gm.ClientSecret, gm.RefreshToken, gm.SenderAddress, cfg.Email.AppName)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize Gmail sender")
		}
		log.Info().Msg("Gmail sender initialized (OAuth2 token)")
		return sender
	case gm.CredentialsJSON != "":
		sender, err := email.NewGmailSender(context.Background(), email.GmailConfig{
			CredentialsJSON: gm.CredentialsJSON,
			SenderAddress:   gm.SenderAddress,
			SenderName:      cfg.Email.AppName,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize Gmail sender")
		}
		log.Info().Msg("Gmail sender initialized (service account)")
		return sender
	default:
		log.Warn().Msg("no email provider configured, verification emails will be logged only")
		return email.NewLogSender(log)
	}
}

// runCleanupLoop periodically removes expired challenges, resolved push
// challenges past retention, and enrollments that were never verified.
func runCleanupLoop(ctx context.Context, interval time.Duration, log *logger.Logger, challengeSvc *service.ChallengeService, pushSvc *service.PushService, methodSvc *service.MethodService) {
	if interval <= 0 {
		interval = time.Hour
	}
	sweep := log.WithComponent("cleanup")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		challenges, err := challengeSvc.CleanupExpired(ctx)
		if err != nil {
			sweep.Error().Err(err).Msg("challenge sweep failed")
		}
		pushChallenges, err := pushSvc.CleanupExpired(ctx)
		if err != nil {
			sweep.Error().Err(err).Msg("push challenge sweep failed")
		}
		methods, err := methodSvc.CleanupUnverified(ctx)
		if err != nil {
			sweep.Error().Err(err).Msg("unverified method sweep failed")
		}

		sweep.Info().
			Int64("challenges", challenges).
			Int64("push_challenges", pushChallenges).
			Int64("methods", methods).
			Msg("retention sweep complete")
	}
}
