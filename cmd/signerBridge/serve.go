package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Crossmint/signer-bridge-go/internal/aws"
	"github.com/Crossmint/signer-bridge-go/internal/keyGenerator"
	"github.com/Crossmint/signer-bridge-go/internal/keyGenerator/awsKms"
	"github.com/Crossmint/signer-bridge-go/internal/keyGenerator/localKeyGenerator"
	"github.com/Crossmint/signer-bridge-go/pkg/config"
	"github.com/Crossmint/signer-bridge-go/pkg/encryption"
	"github.com/Crossmint/signer-bridge-go/pkg/origin"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence"
	badgerPersistence "github.com/Crossmint/signer-bridge-go/pkg/persistence/badger"
	"github.com/Crossmint/signer-bridge-go/pkg/persistence/memory"
	redisPersistence "github.com/Crossmint/signer-bridge-go/pkg/persistence/redis"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/attestation"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/auth"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/bridge"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/service"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/transport/redisTransport"
	"github.com/Crossmint/signer-bridge-go/pkg/transport/websocketTransport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const jwksRefreshInterval = 15 * time.Minute

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the remote signer service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-address",
				Usage:   "Address the WebSocket transport listens on",
				Value:   config.DefaultListenAddress,
				EnvVars: []string{config.EnvListenAddress},
			},
			&cli.StringFlag{
				Name:    "persistence-type",
				Usage:   "Persistence backend: memory, badger or redis",
				Value:   string(config.PersistenceMemory),
				EnvVars: []string{config.EnvPersistenceType},
			},
			&cli.StringFlag{
				Name:    "persistence-data-path",
				Usage:   "Badger data directory",
				EnvVars: []string{config.EnvPersistenceDataPath},
			},
			&cli.StringFlag{
				Name:    "persistence-redis-address",
				Usage:   "Redis address for redis persistence",
				EnvVars: []string{config.EnvPersistenceRedisAddr},
			},
			&cli.IntFlag{
				Name:    "persistence-redis-db",
				Usage:   "Redis database for redis persistence",
				EnvVars: []string{config.EnvPersistenceRedisDB},
			},
			&cli.StringFlag{
				Name:    "persistence-key-prefix",
				Usage:   "Key prefix for redis persistence",
				EnvVars: []string{config.EnvPersistenceKeyPrefix},
			},
			&cli.StringFlag{
				Name:    "jwks-url",
				Usage:   "JWKS URL used to verify request JWTs",
				EnvVars: []string{config.EnvJWKSURL},
			},
			&cli.StringFlag{
				Name:    "jwt-secret",
				Usage:   "HS256 secret used to verify request JWTs (development)",
				EnvVars: []string{config.EnvJWTSecret},
			},
			&cli.StringFlag{
				Name:    "jwt-issuer",
				Usage:   "Required JWT issuer",
				EnvVars: []string{config.EnvJWTIssuer},
			},
			&cli.StringFlag{
				Name:    "jwt-audience",
				Usage:   "Required JWT audience",
				EnvVars: []string{config.EnvJWTAudience},
			},
			&cli.StringFlag{
				Name:    "attestation-key",
				Usage:   "Hex secp256k1 key that signs attestation documents; generated when empty",
				EnvVars: []string{config.EnvAttestationKey},
			},
			&cli.StringFlag{
				Name:    "otp-key-path",
				Usage:   "PEM RSA private key hosts encrypt OTPs to; generated when empty",
				EnvVars: []string{config.EnvOTPPrivateKeyPath},
			},
			&cli.DurationFlag{
				Name:    "otp-timeout",
				Usage:   "How long an issued OTP stays valid",
				Value:   config.DefaultOTPTimeout,
				EnvVars: []string{config.EnvOTPTimeout},
			},
			&cli.IntFlag{
				Name:    "otp-max-attempts",
				Usage:   "Wrong codes allowed before the OTP is discarded",
				Value:   config.DefaultOTPMaxAttempts,
				EnvVars: []string{config.EnvOTPMaxAttempts},
			},
			&cli.StringFlag{
				Name:    "key-backend",
				Usage:   "Signer key backend: local or awsKms",
				Value:   string(config.KeyBackendLocal),
				EnvVars: []string{config.EnvKeyBackend},
			},
			&cli.StringFlag{
				Name:    "aws-region",
				Usage:   "AWS region for the awsKms key backend",
				EnvVars: []string{config.EnvAWSRegion},
			},
			&cli.StringFlag{
				Name:    "kms-alias-prefix",
				Usage:   "Alias prefix for keys created in AWS KMS",
				EnvVars: []string{config.EnvKMSAliasPrefix},
			},
			&cli.StringFlag{
				Name:    "environment",
				Usage:   "Environment tag written on KMS keys",
				EnvVars: []string{config.EnvDeployEnvironment},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newPersistence(cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.Sugar().Warnw("Failed to close persistence", "error", err)
		}
	}()

	keys, err := newKeyGenerator(ctx, cfg, l)
	if err != nil {
		return err
	}

	verifier, err := newAuthVerifier(ctx, cfg, l)
	if err != nil {
		return err
	}

	otpPrivateKey, otpPublicKey, err := encryption.LoadOrGenerateKeyPair(cfg.OTP.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load otp key: %w", err)
	}
	if cfg.OTP.PrivateKeyPath == "" {
		l.Sugar().Warnw("No OTP key configured, generated an ephemeral one")
	}

	issuer, err := attestation.NewIssuer(cfg.Attestation.PrivateKey, string(otpPublicKey))
	if err != nil {
		return fmt.Errorf("failed to create attestation issuer: %w", err)
	}
	if cfg.Attestation.PrivateKey == "" {
		l.Sugar().Warnw("No attestation key configured, generated an ephemeral one; hosts must trust it explicitly",
			"attestation_address", issuer.Address())
	}

	svc, err := service.New(&service.Config{
		Persistence:      store,
		Keys:             keys,
		Auth:             verifier,
		Attestation:      issuer,
		OTPPrivateKeyPEM: otpPrivateKey,
		OTPTimeout:       cfg.OTP.Timeout,
		MaxOTPAttempts:   cfg.OTP.MaxAttempts,
		HandlerTimeout:   cfg.Transport.RequestTimeout,
		Logger:           l,
	})
	if err != nil {
		return fmt.Errorf("failed to create signer service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start signer service: %w", err)
	}

	policy, err := origin.NewPolicy(cfg.Transport.AllowedOrigins...)
	if err != nil {
		return fmt.Errorf("invalid allowed origins: %w", err)
	}

	l.Sugar().Infow("Signer service running",
		"transport", cfg.Transport.Type,
		"attestation_address", issuer.Address(),
		"key_backend", keys.Backend(),
		"allowed_origins", policy.Origins(),
	)

	switch cfg.Transport.Type {
	case config.TransportRedis:
		return serveRedis(ctx, cfg, policy, svc, l)
	default:
		return serveWebsocket(ctx, cfg, policy, svc, l)
	}
}

func newPersistence(cfg *config.BridgeConfig, l *zap.Logger) (persistence.ISignerPersistence, error) {
	switch cfg.Persistence.Type {
	case config.PersistenceBadger:
		return badgerPersistence.NewBadgerPersistence(cfg.Persistence.DataPath, l)
	case config.PersistenceRedis:
		return redisPersistence.NewRedisPersistence(&redisPersistence.RedisConfig{
			Address:   cfg.Persistence.RedisAddress,
			DB:        cfg.Persistence.RedisDB,
			KeyPrefix: cfg.Persistence.KeyPrefix,
		}, l)
	default:
		l.Sugar().Warnw("Using in-memory persistence; signers are lost on restart")
		return memory.NewMemoryPersistence(l), nil
	}
}

// newKeyGenerator keeps secp256k1 keys in KMS when configured. ed25519 keys
// always stay local since KMS cannot hold them.
func newKeyGenerator(ctx context.Context, cfg *config.BridgeConfig, l *zap.Logger) (keyGenerator.IKeyGenerator, error) {
	local := localKeyGenerator.NewLocalKeyGenerator(l)
	if cfg.Keys.Backend != config.KeyBackendAWSKMS {
		return local, nil
	}

	awsCfg, err := aws.LoadAWSConfig(ctx, cfg.Keys.AWSRegion)
	if err != nil {
		return nil, err
	}
	if err := aws.VerifyCredentials(ctx, awsCfg, l); err != nil {
		return nil, err
	}
	kmsGen := awsKms.NewAWSKMSKeyGenerator(awsCfg, awsKms.Options{
		Region:      awsCfg.Region,
		Environment: cfg.Keys.Environment,
		AliasPrefix: cfg.Keys.AliasPrefix,
	}, l)
	return keyGenerator.NewRouter(kmsGen, local)
}

func newAuthVerifier(ctx context.Context, cfg *config.BridgeConfig, l *zap.Logger) (auth.Verifier, error) {
	opts := auth.Options{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	}
	if cfg.Auth.JWKSURL != "" {
		return auth.NewJWKSVerifier(ctx, cfg.Auth.JWKSURL, jwksRefreshInterval, opts, l)
	}
	l.Sugar().Warnw("Verifying JWTs with a shared HMAC secret; use a JWKS URL in production")
	return auth.NewHMACVerifier([]byte(cfg.Auth.Secret), opts, l)
}

func bridgeOptions(cfg *config.BridgeConfig, policy *origin.Policy) *bridge.Options {
	return &bridge.Options{
		Channel: &transport.ChannelConfig{
			Policy:           policy,
			InboundRateLimit: rate.Limit(cfg.Transport.InboundRateLimit),
			InboundBurst:     cfg.Transport.InboundBurst,
		},
		HandshakeTimeout:  cfg.Transport.HandshakeTimeout,
		HandshakeInterval: cfg.Transport.HandshakeInterval,
		RequestTimeout:    cfg.Transport.RequestTimeout,
	}
}

func serveWebsocket(ctx context.Context, cfg *config.BridgeConfig, policy *origin.Policy, svc *service.Service, l *zap.Logger) error {
	handler, err := websocketTransport.NewHandler(policy, func(r *http.Request, ep *websocketTransport.WebsocketEndpoint) {
		if err := bridge.Serve(ctx, ep, svc, bridgeOptions(cfg, policy), l); err != nil {
			l.Sugar().Warnw("Session ended with error", "remote_addr", r.RemoteAddr, "error", err)
		}
	}, l)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	server := &http.Server{
		Addr:              cfg.Transport.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Sugar().Infow("Listening for hosts", "address", cfg.Transport.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	l.Sugar().Infow("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func serveRedis(ctx context.Context, cfg *config.BridgeConfig, policy *origin.Policy, svc *service.Service, l *zap.Logger) error {
	target := origin.Wildcard
	if origins := policy.Origins(); len(origins) == 1 && origins[0] != origin.Wildcard {
		target = origins[0]
	}
	ep, err := redisTransport.NewRedisEndpoint(&redisTransport.RedisConfig{
		Address:      cfg.Transport.RedisAddress,
		ChannelName:  cfg.Transport.RedisChannel,
		SelfOrigin:   cfg.Transport.SelfOrigin,
		TargetOrigin: target,
	}, l)
	if err != nil {
		return err
	}
	return bridge.Serve(ctx, ep, svc, bridgeOptions(cfg, policy), l)
}
