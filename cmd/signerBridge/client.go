package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Crossmint/signer-bridge-go/pkg/config"
	"github.com/Crossmint/signer-bridge-go/pkg/origin"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/attestation"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/bridge"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/client"
	"github.com/Crossmint/signer-bridge-go/pkg/signer/communications"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/transport/browserTransport"
	"github.com/Crossmint/signer-bridge-go/pkg/transport/redisTransport"
	"github.com/Crossmint/signer-bridge-go/pkg/transport/websocketTransport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	jwtFlag = &cli.StringFlag{
		Name:     "jwt",
		Usage:    "JWT identifying the signer owner",
		EnvVars:  []string{config.EnvJWT},
		Required: true,
	}
	chainLayerFlag = &cli.StringFlag{
		Name:  "chain-layer",
		Usage: "Chain layer: solana or evm",
		Value: string(communications.ChainLayerSolana),
	}
	encodingFlag = &cli.StringFlag{
		Name:  "encoding",
		Usage: "Payload encoding: base58, base64 or hex (defaults per chain layer)",
	}
)

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Connect to a signer service as the host and issue one request",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "remote-url",
				Usage:   "WebSocket URL (websocket) or page URL (browser) of the signer service",
				EnvVars: []string{config.EnvRemoteURL},
			},
			&cli.StringFlag{
				Name:    "chrome-path",
				Usage:   "Chrome binary for the browser transport",
				EnvVars: []string{config.EnvChromeExecPath},
			},
			&cli.StringSliceFlag{
				Name:    "trusted-signers",
				Usage:   "Attestation signer addresses to trust",
				EnvVars: []string{config.EnvTrustedSigners},
			},
			&cli.DurationFlag{
				Name:    "attestation-max-age",
				Usage:   "Oldest attestation document accepted",
				Value:   config.DefaultAttestationMaxAge,
				EnvVars: []string{config.EnvAttestationMaxAge},
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:   "attest",
				Usage:  "Validate the signer service's attestation",
				Action: withClient(attestCommand),
			},
			{
				Name:  "create-signer",
				Usage: "Create the signer for the JWT's subject",
				Flags: []cli.Flag{
					jwtFlag,
					&cli.StringFlag{Name: "auth-id", Usage: "Identifier the OTP is delivered to", Required: true},
					&cli.StringFlag{Name: "chain-layer", Usage: "Chain layer to provision; empty provisions all"},
				},
				Action: withClient(createSignerCommand),
			},
			{
				Name:   "status",
				Usage:  "Show the signer's status",
				Flags:  []cli.Flag{jwtFlag},
				Action: withClient(statusCommand),
			},
			{
				Name:   "public-key",
				Usage:  "Show the signer's public key for a chain layer",
				Flags:  []cli.Flag{jwtFlag, chainLayerFlag},
				Action: withClient(publicKeyCommand),
			},
			{
				Name:  "send-otp",
				Usage: "Verify this device with the OTP delivered out of band",
				Flags: []cli.Flag{
					jwtFlag,
					chainLayerFlag,
					&cli.StringFlag{Name: "otp", Usage: "The one-time code", Required: true},
				},
				Action: withClient(sendOTPCommand),
			},
			{
				Name:  "sign-message",
				Usage: "Sign a message",
				Flags: []cli.Flag{
					jwtFlag,
					chainLayerFlag,
					encodingFlag,
					&cli.StringFlag{Name: "message", Usage: "Message to sign", Required: true},
				},
				Action: withClient(signMessageCommand),
			},
			{
				Name:  "sign-transaction",
				Usage: "Sign a serialized transaction",
				Flags: []cli.Flag{
					jwtFlag,
					chainLayerFlag,
					encodingFlag,
					&cli.StringFlag{Name: "transaction", Usage: "Encoded transaction bytes", Required: true},
				},
				Action: withClient(signTransactionCommand),
			},
		},
	}
}

type clientAction func(ctx context.Context, c *cli.Context, sc *client.Client) (any, error)

// withClient connects to the signer service, runs action and prints its
// result as JSON.
func withClient(action clientAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		if err := cfg.ValidateHost(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		l, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = l.Sync() }()

		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		session, err := connect(ctx, cfg, l)
		if err != nil {
			return err
		}
		defer session.Close()

		result, err := action(ctx, c, session.Client)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(out))
		return err
	}
}

func dial(ctx context.Context, cfg *config.BridgeConfig, l *zap.Logger) (transport.Endpoint, error) {
	switch cfg.Transport.Type {
	case config.TransportRedis:
		target := origin.Wildcard
		if cfg.Transport.RemoteURL != "" {
			o, err := origin.ComputeExpectedOrigin(cfg.Transport.RemoteURL)
			if err != nil {
				return nil, err
			}
			target = o
		}
		return redisTransport.NewRedisEndpoint(&redisTransport.RedisConfig{
			Address:      cfg.Transport.RedisAddress,
			ChannelName:  cfg.Transport.RedisChannel,
			SelfOrigin:   cfg.Transport.SelfOrigin,
			TargetOrigin: target,
		}, l)
	case config.TransportBrowser:
		return browserTransport.NewBrowserEndpoint(ctx, &browserTransport.BrowserConfig{
			RemoteURL:  cfg.Transport.RemoteURL,
			HostOrigin: cfg.Transport.SelfOrigin,
			Headless:   true,
			ExecPath:   cfg.Transport.ChromeExecPath,
		}, l)
	default:
		return websocketTransport.Dial(ctx, cfg.Transport.RemoteURL, cfg.Transport.SelfOrigin, l)
	}
}

func connect(ctx context.Context, cfg *config.BridgeConfig, l *zap.Logger) (*bridge.Session, error) {
	var policy *origin.Policy
	if len(cfg.Transport.AllowedOrigins) > 0 {
		p, err := origin.NewPolicy(cfg.Transport.AllowedOrigins...)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	verifier, err := attestation.NewVerifier(attestation.VerifierOptions{
		Trusted: cfg.Attestation.TrustedSigners,
		MaxAge:  cfg.Attestation.MaxAge,
	})
	if err != nil {
		return nil, err
	}

	ep, err := dial(ctx, cfg, l)
	if err != nil {
		return nil, fmt.Errorf("failed to reach signer service: %w", err)
	}
	return bridge.Connect(ctx, ep, verifier, bridgeOptions(cfg, policy), l)
}

func chainLayer(c *cli.Context) communications.ChainLayer {
	return communications.ChainLayer(c.String("chain-layer"))
}

func attestCommand(ctx context.Context, c *cli.Context, sc *client.Client) (any, error) {
	if err := sc.ValidateAttestation(ctx); err != nil {
		return nil, err
	}
	publicKey, err := sc.AttestationPublicKey()
	if err != nil {
		return nil, err
	}
	return map[string]any{"valid": true, "publicKey": publicKey}, nil
}

func createSignerCommand(ctx context.Context, c *cli.Context, sc *client.Client) (any, error) {
	signerID, err := sc.CreateSigner(ctx, c.String("jwt"), c.String("auth-id"), chainLayer(c))
	if err != nil {
		return nil, err
	}
	return map[string]string{"signerId": signerID}, nil
}

func statusCommand(ctx context.Context, c *cli.Context, sc *client.Client) (any, error) {
	status, err := sc.GetStatus(ctx, c.String("jwt"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"signerStatus": status}, nil
}

func publicKeyCommand(ctx context.Context, c *cli.Context, sc *client.Client) (any, error) {
	return sc.GetPublicKey(ctx, c.String("jwt"), chainLayer(c))
}

func sendOTPCommand(ctx context.Context, c *cli.Context, sc *client.Client) (any, error) {
	if err := sc.ValidateAttestation(ctx); err != nil {
		return nil, err
	}
	return sc.SendOTP(ctx, c.String("jwt"), c.String("otp"), chainLayer(c))
}

func signMessageCommand(ctx context.Context, c *cli.Context, sc *client.Client) (any, error) {
	if err := sc.ValidateAttestation(ctx); err != nil {
		return nil, err
	}
	return sc.SignMessage(ctx, c.String("jwt"), c.String("message"), chainLayer(c), communications.Encoding(c.String("encoding")))
}

func signTransactionCommand(ctx context.Context, c *cli.Context, sc *client.Client) (any, error) {
	if err := sc.ValidateAttestation(ctx); err != nil {
		return nil, err
	}
	return sc.SignTransaction(ctx, c.String("jwt"), c.String("transaction"), chainLayer(c), communications.Encoding(c.String("encoding")))
}
