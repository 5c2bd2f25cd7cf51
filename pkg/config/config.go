package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/origin"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for signer bridge configuration
const (
	EnvConfigFile = "SIGNER_BRIDGE_CONFIG"
	EnvDebug      = "SIGNER_BRIDGE_DEBUG"

	EnvTransportType     = "SIGNER_BRIDGE_TRANSPORT"
	EnvListenAddress     = "SIGNER_BRIDGE_LISTEN_ADDRESS"
	EnvRemoteURL         = "SIGNER_BRIDGE_REMOTE_URL"
	EnvSelfOrigin        = "SIGNER_BRIDGE_SELF_ORIGIN"
	EnvAllowedOrigins    = "SIGNER_BRIDGE_ALLOWED_ORIGINS"
	EnvRedisAddress      = "SIGNER_BRIDGE_REDIS_ADDRESS"
	EnvRedisChannel      = "SIGNER_BRIDGE_REDIS_CHANNEL"
	EnvChromeExecPath    = "SIGNER_BRIDGE_CHROME_PATH"
	EnvInboundRateLimit  = "SIGNER_BRIDGE_INBOUND_RATE_LIMIT"
	EnvInboundBurst      = "SIGNER_BRIDGE_INBOUND_BURST"
	EnvRequestTimeout    = "SIGNER_BRIDGE_REQUEST_TIMEOUT"
	EnvHandshakeTimeout  = "SIGNER_BRIDGE_HANDSHAKE_TIMEOUT"
	EnvHandshakeInterval = "SIGNER_BRIDGE_HANDSHAKE_RETRY_INTERVAL"

	EnvPersistenceType      = "SIGNER_BRIDGE_PERSISTENCE_TYPE"
	EnvPersistenceDataPath  = "SIGNER_BRIDGE_PERSISTENCE_DATA_PATH"
	EnvPersistenceRedisAddr = "SIGNER_BRIDGE_PERSISTENCE_REDIS_ADDRESS"
	EnvPersistenceRedisDB   = "SIGNER_BRIDGE_PERSISTENCE_REDIS_DB"
	EnvPersistenceKeyPrefix = "SIGNER_BRIDGE_PERSISTENCE_KEY_PREFIX"

	EnvJWKSURL     = "SIGNER_BRIDGE_JWKS_URL"
	EnvJWTSecret   = "SIGNER_BRIDGE_JWT_SECRET"
	EnvJWTIssuer   = "SIGNER_BRIDGE_JWT_ISSUER"
	EnvJWTAudience = "SIGNER_BRIDGE_JWT_AUDIENCE"
	EnvJWT         = "SIGNER_BRIDGE_JWT"

	EnvAttestationKey    = "SIGNER_BRIDGE_ATTESTATION_KEY"
	EnvTrustedSigners    = "SIGNER_BRIDGE_TRUSTED_SIGNERS"
	EnvAttestationMaxAge = "SIGNER_BRIDGE_ATTESTATION_MAX_AGE"
	EnvOTPPrivateKeyPath = "SIGNER_BRIDGE_OTP_KEY_PATH"
	EnvOTPTimeout        = "SIGNER_BRIDGE_OTP_TIMEOUT"
	EnvOTPMaxAttempts    = "SIGNER_BRIDGE_OTP_MAX_ATTEMPTS"
	EnvKeyBackend        = "SIGNER_BRIDGE_KEY_BACKEND"
	EnvAWSRegion         = "SIGNER_BRIDGE_AWS_REGION"
	EnvKMSAliasPrefix    = "SIGNER_BRIDGE_KMS_ALIAS_PREFIX"
	EnvDeployEnvironment = "SIGNER_BRIDGE_ENVIRONMENT"
)

type TransportType string

const (
	TransportWebsocket TransportType = "websocket"
	TransportRedis     TransportType = "redis"
	TransportBrowser   TransportType = "browser"
)

type PersistenceType string

const (
	PersistenceMemory PersistenceType = "memory"
	PersistenceBadger PersistenceType = "badger"
	PersistenceRedis  PersistenceType = "redis"
)

type KeyBackend string

const (
	KeyBackendLocal  KeyBackend = "local"
	KeyBackendAWSKMS KeyBackend = "awsKms"
)

const (
	DefaultRequestTimeout    = 10 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHandshakeInterval = 500 * time.Millisecond
	DefaultListenAddress     = ":8787"
	DefaultOTPTimeout        = 5 * time.Minute
	DefaultOTPMaxAttempts    = 3
	DefaultAttestationMaxAge = 5 * time.Minute
)

// TransportConfig selects how the two contexts reach each other.
type TransportConfig struct {
	Type TransportType `json:"type" yaml:"type"`

	// ListenAddress is where the remote serves WebSocket connections.
	ListenAddress string `json:"listenAddress" yaml:"listenAddress"`
	// RemoteURL is the WebSocket URL (websocket) or page URL (browser) the
	// host connects to.
	RemoteURL string `json:"remoteUrl" yaml:"remoteUrl"`
	// SelfOrigin is this side's origin, sent to the peer.
	SelfOrigin string `json:"selfOrigin" yaml:"selfOrigin"`
	// AllowedOrigins restricts inbound peers. Required on the remote side.
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowedOrigins"`

	RedisAddress string `json:"redisAddress" yaml:"redisAddress"`
	RedisChannel string `json:"redisChannel" yaml:"redisChannel"`

	ChromeExecPath string `json:"chromeExecPath" yaml:"chromeExecPath"`

	// InboundRateLimit caps inbound messages per second. Zero is unlimited.
	InboundRateLimit float64 `json:"inboundRateLimit" yaml:"inboundRateLimit"`
	InboundBurst     int     `json:"inboundBurst" yaml:"inboundBurst"`

	RequestTimeout    time.Duration `json:"requestTimeout" yaml:"requestTimeout"`
	HandshakeTimeout  time.Duration `json:"handshakeTimeout" yaml:"handshakeTimeout"`
	HandshakeInterval time.Duration `json:"handshakeRetryInterval" yaml:"handshakeRetryInterval"`
}

type PersistenceConfig struct {
	Type         PersistenceType `json:"type" yaml:"type"`
	DataPath     string          `json:"dataPath" yaml:"dataPath"`
	RedisAddress string          `json:"redisAddress" yaml:"redisAddress"`
	RedisDB      int             `json:"redisDb" yaml:"redisDb"`
	KeyPrefix    string          `json:"keyPrefix" yaml:"keyPrefix"`
}

// AuthConfig selects how request JWTs are verified: a JWKS URL, or a shared
// HMAC secret for development.
type AuthConfig struct {
	JWKSURL  string `json:"jwksUrl" yaml:"jwksUrl"`
	Secret   string `json:"secret" yaml:"secret"`
	Issuer   string `json:"issuer" yaml:"issuer"`
	Audience string `json:"audience" yaml:"audience"`
}

type AttestationConfig struct {
	// PrivateKey is the hex secp256k1 key the service signs documents with.
	// Empty generates one per start.
	PrivateKey string `json:"privateKey" yaml:"privateKey"`
	// TrustedSigners are the addresses a host accepts documents from.
	TrustedSigners []string      `json:"trustedSigners" yaml:"trustedSigners"`
	MaxAge         time.Duration `json:"maxAge" yaml:"maxAge"`
}

type OTPConfig struct {
	// PrivateKeyPath is the RSA key OTPs are encrypted to. Empty generates one
	// per start.
	PrivateKeyPath string        `json:"privateKeyPath" yaml:"privateKeyPath"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts    int           `json:"maxAttempts" yaml:"maxAttempts"`
}

type KeysConfig struct {
	Backend     KeyBackend `json:"backend" yaml:"backend"`
	AWSRegion   string     `json:"awsRegion" yaml:"awsRegion"`
	AliasPrefix string     `json:"aliasPrefix" yaml:"aliasPrefix"`
	Environment string     `json:"environment" yaml:"environment"`
}

// BridgeConfig is the complete configuration of the signerBridge binary.
type BridgeConfig struct {
	Debug       bool              `json:"debug" yaml:"debug"`
	Transport   TransportConfig   `json:"transport" yaml:"transport"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Attestation AttestationConfig `json:"attestation" yaml:"attestation"`
	OTP         OTPConfig         `json:"otp" yaml:"otp"`
	Keys        KeysConfig        `json:"keys" yaml:"keys"`
}

// Default returns a configuration with every default applied.
func Default() *BridgeConfig {
	return &BridgeConfig{
		Transport: TransportConfig{
			Type:              TransportWebsocket,
			ListenAddress:     DefaultListenAddress,
			RequestTimeout:    DefaultRequestTimeout,
			HandshakeTimeout:  DefaultHandshakeTimeout,
			HandshakeInterval: DefaultHandshakeInterval,
		},
		Persistence: PersistenceConfig{Type: PersistenceMemory},
		Attestation: AttestationConfig{MaxAge: DefaultAttestationMaxAge},
		OTP:         OTPConfig{Timeout: DefaultOTPTimeout, MaxAttempts: DefaultOTPMaxAttempts},
		Keys:        KeysConfig{Backend: KeyBackendLocal},
	}
}

// LoadFromFile reads a YAML file over the defaults.
func LoadFromFile(path string) (*BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings both sides share.
func (c *BridgeConfig) Validate() error {
	allErrors := c.Transport.validate(field.NewPath("transport"))
	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// ValidateHost checks what the host side needs to connect.
func (c *BridgeConfig) ValidateHost() error {
	path := field.NewPath("transport")
	allErrors := c.Transport.validate(path)
	switch c.Transport.Type {
	case TransportWebsocket, TransportBrowser:
		if c.Transport.RemoteURL == "" {
			allErrors = append(allErrors, field.Required(path.Child("remoteUrl"), "remoteUrl is required"))
		}
	}
	if c.Transport.SelfOrigin == "" {
		allErrors = append(allErrors, field.Required(path.Child("selfOrigin"), "selfOrigin is required"))
	}
	allErrors = append(allErrors, validateAddresses(field.NewPath("attestation", "trustedSigners"), c.Attestation.TrustedSigners)...)
	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// ValidateServe checks what the remote signer service needs.
func (c *BridgeConfig) ValidateServe() error {
	transportPath := field.NewPath("transport")
	allErrors := c.Transport.validate(transportPath)

	if c.Transport.Type == TransportBrowser {
		allErrors = append(allErrors, field.NotSupported(transportPath.Child("type"), c.Transport.Type,
			[]string{string(TransportWebsocket), string(TransportRedis)}))
	}
	if len(c.Transport.AllowedOrigins) == 0 {
		allErrors = append(allErrors, field.Required(transportPath.Child("allowedOrigins"), "at least one host origin is required"))
	}
	if c.Transport.Type == TransportRedis && c.Transport.SelfOrigin == "" {
		allErrors = append(allErrors, field.Required(transportPath.Child("selfOrigin"), "selfOrigin is required"))
	}

	allErrors = append(allErrors, c.Persistence.validate(field.NewPath("persistence"))...)
	allErrors = append(allErrors, c.Auth.validate(field.NewPath("auth"))...)
	allErrors = append(allErrors, c.Keys.validate(field.NewPath("keys"))...)

	otpPath := field.NewPath("otp")
	if c.OTP.MaxAttempts < 1 {
		allErrors = append(allErrors, field.Invalid(otpPath.Child("maxAttempts"), c.OTP.MaxAttempts, "must be at least 1"))
	}
	if c.OTP.Timeout <= 0 {
		allErrors = append(allErrors, field.Invalid(otpPath.Child("timeout"), c.OTP.Timeout.String(), "must be positive"))
	}

	if key := strings.TrimPrefix(c.Attestation.PrivateKey, "0x"); key != "" && len(key) != 64 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("attestation", "privateKey"), "<redacted>",
			fmt.Sprintf("must be 32 bytes (64 hex chars), got %d chars", len(key))))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

func (t *TransportConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	switch t.Type {
	case TransportWebsocket, TransportBrowser:
	case TransportRedis:
		if t.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(path.Child("redisAddress"), "redisAddress is required for the redis transport"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("type"), t.Type,
			[]string{string(TransportWebsocket), string(TransportRedis), string(TransportBrowser)}))
	}

	for i, o := range t.AllowedOrigins {
		if o == origin.Wildcard {
			continue
		}
		if _, err := origin.ComputeExpectedOrigin(o); err != nil {
			allErrors = append(allErrors, field.Invalid(path.Child("allowedOrigins").Index(i), o, err.Error()))
		}
	}
	if t.SelfOrigin != "" {
		if _, err := origin.ComputeExpectedOrigin(t.SelfOrigin); err != nil {
			allErrors = append(allErrors, field.Invalid(path.Child("selfOrigin"), t.SelfOrigin, err.Error()))
		}
	}

	if t.InboundRateLimit < 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("inboundRateLimit"), t.InboundRateLimit, "cannot be negative"))
	}
	if t.RequestTimeout <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("requestTimeout"), t.RequestTimeout.String(), "must be positive"))
	}
	if t.HandshakeTimeout <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("handshakeTimeout"), t.HandshakeTimeout.String(), "must be positive"))
	}
	if t.HandshakeInterval <= 0 {
		allErrors = append(allErrors, field.Invalid(path.Child("handshakeRetryInterval"), t.HandshakeInterval.String(), "must be positive"))
	}
	return allErrors
}

func (p *PersistenceConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	switch p.Type {
	case PersistenceMemory:
	case PersistenceBadger:
		if p.DataPath == "" {
			allErrors = append(allErrors, field.Required(path.Child("dataPath"), "dataPath is required for badger persistence"))
		}
	case PersistenceRedis:
		if p.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(path.Child("redisAddress"), "redisAddress is required for redis persistence"))
		}
		if p.RedisDB < 0 {
			allErrors = append(allErrors, field.Invalid(path.Child("redisDb"), p.RedisDB, "cannot be negative"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("type"), p.Type,
			[]string{string(PersistenceMemory), string(PersistenceBadger), string(PersistenceRedis)}))
	}
	return allErrors
}

func (a *AuthConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	switch {
	case a.JWKSURL == "" && a.Secret == "":
		allErrors = append(allErrors, field.Required(path, "one of jwksUrl or secret is required"))
	case a.JWKSURL != "" && a.Secret != "":
		allErrors = append(allErrors, field.Forbidden(path.Child("secret"), "secret cannot be combined with jwksUrl"))
	case a.Secret != "" && len(a.Secret) < 32:
		allErrors = append(allErrors, field.Invalid(path.Child("secret"), "<redacted>", "must be at least 32 bytes"))
	}
	return allErrors
}

func (k *KeysConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	switch k.Backend {
	case KeyBackendLocal, KeyBackendAWSKMS:
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("backend"), k.Backend,
			[]string{string(KeyBackendLocal), string(KeyBackendAWSKMS)}))
	}
	return allErrors
}

func validateAddresses(path *field.Path, addresses []string) field.ErrorList {
	var allErrors field.ErrorList
	for i, addr := range addresses {
		if !common.IsHexAddress(addr) {
			allErrors = append(allErrors, field.Invalid(path.Index(i), addr, "must be a hex address"))
		}
	}
	return allErrors
}
