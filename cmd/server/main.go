package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"unitrack/auth-gate/internal/auth"
	"unitrack/auth-gate/internal/config"
	"unitrack/auth-gate/internal/db"
	"unitrack/auth-gate/internal/directory"
	internalhttp "unitrack/auth-gate/internal/http"
	"unitrack/auth-gate/internal/jobs"
	"unitrack/auth-gate/internal/log"
	"unitrack/auth-gate/internal/preauth"
	"unitrack/auth-gate/internal/repository"
	"unitrack/auth-gate/internal/service"
)

func main() {
	cfg := config.Load()
	logger := log.New(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connection failed")
	}
	defer pool.Close()

	store := repository.NewStore(pool)

	var broker service.Broker
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("redis ping failed")
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("redis close error")
			}
		}()
		broker = preauth.NewBroker(redisClient, cfg.PreAuthTokenTTL)
	}

	dir := directory.New(directory.Config{
		URL:        cfg.LDAPURL,
		Domain:     cfg.LDAPDomain,
		BindDN:     cfg.LDAPBindDN,
		BindPass:   cfg.LDAPBindPass,
		SearchBase: cfg.LDAPSearchBase,
		StaffGroup: cfg.LDAPStaffGroup,
		Timeout:    cfg.LDAPTimeout,
	}, logger)

	issuer, err := auth.NewIssuer(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.AccessTokenTTL, store)
	if err != nil {
		logger.Fatal().Err(err).Msg("token issuer init failed")
	}
	jwks, err := auth.NewJWKSet(issuer.PublicKey())
	if err != nil {
		logger.Fatal().Err(err).Msg("jwks init failed")
	}

	svc := service.NewAuth(store, dir, broker, issuer, cfg.AdminSet(), cfg.TOTPIssuer, logger)
	server := internalhttp.NewServer(cfg, logger, svc, issuer, store, store, jwks)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	jobs.StartSessionSweep(ctx, cfg, store, logger)

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("auth-gate listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
}
