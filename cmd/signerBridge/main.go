package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/config"
	"github.com/Crossmint/signer-bridge-go/pkg/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "signer-bridge",
		Usage: "Cross-context signer bridge",
		Description: `Runs either side of the signer bridge protocol.

serve   runs the remote signer service behind a WebSocket listener or a Redis channel
client  connects as the host, validates the remote's attestation and issues signer requests`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file; flags and environment override it",
				EnvVars: []string{config.EnvConfigFile},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				EnvVars: []string{config.EnvDebug},
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "Transport: websocket, redis or browser (client only)",
				Value:   string(config.TransportWebsocket),
				EnvVars: []string{config.EnvTransportType},
			},
			&cli.StringFlag{
				Name:    "self-origin",
				Usage:   "Origin this side presents to its peer",
				EnvVars: []string{config.EnvSelfOrigin},
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origins",
				Usage:   "Origins accepted from the peer",
				EnvVars: []string{config.EnvAllowedOrigins},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "Redis address for the redis transport",
				EnvVars: []string{config.EnvRedisAddress},
			},
			&cli.StringFlag{
				Name:    "redis-channel",
				Usage:   "Redis pub/sub channel for the redis transport",
				EnvVars: []string{config.EnvRedisChannel},
			},
			&cli.Float64Flag{
				Name:    "inbound-rate-limit",
				Usage:   "Inbound messages per second; 0 disables the limit",
				EnvVars: []string{config.EnvInboundRateLimit},
			},
			&cli.IntFlag{
				Name:    "inbound-burst",
				Usage:   "Inbound burst allowance",
				EnvVars: []string{config.EnvInboundBurst},
			},
			&cli.DurationFlag{
				Name:    "request-timeout",
				Usage:   "Per-request timeout",
				Value:   config.DefaultRequestTimeout,
				EnvVars: []string{config.EnvRequestTimeout},
			},
			&cli.DurationFlag{
				Name:    "handshake-timeout",
				Usage:   "How long to wait for the peer to become ready",
				Value:   config.DefaultHandshakeTimeout,
				EnvVars: []string{config.EnvHandshakeTimeout},
			},
			&cli.DurationFlag{
				Name:    "handshake-retry-interval",
				Usage:   "Interval between handshake resends",
				Value:   config.DefaultHandshakeInterval,
				EnvVars: []string{config.EnvHandshakeInterval},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			clientCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

// loadConfig layers explicitly set flags and environment variables over the
// config file, or over the defaults when no file is given.
func loadConfig(c *cli.Context) (*config.BridgeConfig, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if c.IsSet(name) {
			*dst = c.Duration(name)
		}
	}

	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
	if c.IsSet("transport") {
		cfg.Transport.Type = config.TransportType(c.String("transport"))
	}
	setString("self-origin", &cfg.Transport.SelfOrigin)
	setString("redis-address", &cfg.Transport.RedisAddress)
	setString("redis-channel", &cfg.Transport.RedisChannel)
	if c.IsSet("allowed-origins") {
		cfg.Transport.AllowedOrigins = c.StringSlice("allowed-origins")
	}
	if c.IsSet("inbound-rate-limit") {
		cfg.Transport.InboundRateLimit = c.Float64("inbound-rate-limit")
	}
	if c.IsSet("inbound-burst") {
		cfg.Transport.InboundBurst = c.Int("inbound-burst")
	}
	setDuration("request-timeout", &cfg.Transport.RequestTimeout)
	setDuration("handshake-timeout", &cfg.Transport.HandshakeTimeout)
	setDuration("handshake-retry-interval", &cfg.Transport.HandshakeInterval)

	// command specific flags
	setString("listen-address", &cfg.Transport.ListenAddress)
	setString("remote-url", &cfg.Transport.RemoteURL)
	setString("chrome-path", &cfg.Transport.ChromeExecPath)
	if c.IsSet("trusted-signers") {
		cfg.Attestation.TrustedSigners = c.StringSlice("trusted-signers")
	}
	setDuration("attestation-max-age", &cfg.Attestation.MaxAge)

	if c.IsSet("persistence-type") {
		cfg.Persistence.Type = config.PersistenceType(c.String("persistence-type"))
	}
	setString("persistence-data-path", &cfg.Persistence.DataPath)
	setString("persistence-redis-address", &cfg.Persistence.RedisAddress)
	if c.IsSet("persistence-redis-db") {
		cfg.Persistence.RedisDB = c.Int("persistence-redis-db")
	}
	setString("persistence-key-prefix", &cfg.Persistence.KeyPrefix)

	setString("jwks-url", &cfg.Auth.JWKSURL)
	setString("jwt-secret", &cfg.Auth.Secret)
	setString("jwt-issuer", &cfg.Auth.Issuer)
	setString("jwt-audience", &cfg.Auth.Audience)

	setString("attestation-key", &cfg.Attestation.PrivateKey)
	setString("otp-key-path", &cfg.OTP.PrivateKeyPath)
	setDuration("otp-timeout", &cfg.OTP.Timeout)
	if c.IsSet("otp-max-attempts") {
		cfg.OTP.MaxAttempts = c.Int("otp-max-attempts")
	}

	if c.IsSet("key-backend") {
		cfg.Keys.Backend = config.KeyBackend(c.String("key-backend"))
	}
	setString("aws-region", &cfg.Keys.AWSRegion)
	setString("kms-alias-prefix", &cfg.Keys.AliasPrefix)
	setString("environment", &cfg.Keys.Environment)

	return cfg, nil
}

func newLogger(cfg *config.BridgeConfig) (*zap.Logger, error) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return l, nil
}
