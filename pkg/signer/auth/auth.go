// Package auth verifies the JWTs the host attaches to authenticated signer
// requests and extracts the subject that owns the signer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"go.uber.org/zap"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the verified claims the signer service relies on.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

// Verifier checks a compact JWS token.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Options constrain accepted tokens. Empty values are not checked.
type Options struct {
	Issuer   string
	Audience string
	// AcceptableSkew tolerates clock drift on exp/nbf/iat.
	AcceptableSkew time.Duration
}

// JWTVerifier validates signature, registered claims and the presence of a
// subject.
type JWTVerifier struct {
	logger *zap.Logger
	opts   Options

	// exactly one of keySet and hmacKey is set
	keySet  jwk.Set
	hmacKey []byte
}

var _ Verifier = (*JWTVerifier)(nil)

// NewKeySetVerifier verifies tokens against a JWK set. Tokens must carry a
// kid and an alg matching a key in the set.
func NewKeySetVerifier(keys jwk.Set, opts Options, logger *zap.Logger) (*JWTVerifier, error) {
	if keys == nil {
		return nil, fmt.Errorf("key set cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &JWTVerifier{logger: logger, opts: opts, keySet: keys}, nil
}

// NewHMACVerifier verifies HS256 tokens with a shared secret. Intended for
// development and tests.
func NewHMACVerifier(secret []byte, opts Options, logger *zap.Logger) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("hmac secret must be at least 32 bytes")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &JWTVerifier{logger: logger, opts: opts, hmacKey: append([]byte(nil), secret...)}, nil
}

// NewJWKSVerifier fetches the JWK set at jwksURL once, then keeps it fresh in
// the background every refreshInterval.
func NewJWKSVerifier(ctx context.Context, jwksURL string, refreshInterval time.Duration, opts Options, logger *zap.Logger) (*JWTVerifier, error) {
	keys, err := NewJWKCache(ctx, jwksURL, refreshInterval)
	if err != nil {
		return nil, err
	}
	logger.Sugar().Infow("JWKS verifier initialized", "jwks_url", jwksURL, "refresh_interval", refreshInterval)
	return NewKeySetVerifier(keys, opts, logger)
}

// NewJWKCache registers jwkURL with a refreshing cache and returns the cached
// set. The first fetch happens before returning.
func NewJWKCache(ctx context.Context, jwkURL string, refreshInterval time.Duration) (jwk.Set, error) {
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create jwk cache: %w", err)
	}

	if err := cache.Register(ctx, jwkURL, jwk.WithConstantInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register jwk location: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwkURL); err != nil {
		return nil, fmt.Errorf("failed to fetch on startup: %w", err)
	}

	return cache.CachedSet(jwkURL)
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}

	keyOpt, err := v.keyOption(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	parseOpts := []jwt.ParseOption{keyOpt, jwt.WithValidate(true)}
	if v.opts.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.opts.Issuer))
	}
	if v.opts.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.opts.Audience))
	}
	if v.opts.AcceptableSkew > 0 {
		parseOpts = append(parseOpts, jwt.WithAcceptableSkew(v.opts.AcceptableSkew))
	}

	tok, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		v.logger.Sugar().Debugw("JWT verification failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, ok := tok.Subject()
	if !ok || subject == "" {
		return nil, fmt.Errorf("%w: subject claim not found in token", ErrInvalidToken)
	}

	claims := &Claims{Subject: subject}
	if iss, ok := tok.Issuer(); ok {
		claims.Issuer = iss
	}
	if exp, ok := tok.Expiration(); ok {
		claims.ExpiresAt = exp
	}
	return claims, nil
}

func (v *JWTVerifier) keyOption(token string) (jwt.ParseOption, error) {
	if v.hmacKey != nil {
		return jwt.WithKey(jwa.HS256(), v.hmacKey), nil
	}
	filtered, err := filterKeySetForToken(token, v.keySet, v.logger)
	if err != nil {
		return nil, err
	}
	return jwt.WithKeySet(filtered), nil
}

// filterKeySetForToken keeps only the keys whose algorithm matches the
// token's header. Some providers publish several keys under one kid.
func filterKeySetForToken(token string, keys jwk.Set, logger *zap.Logger) (jwk.Set, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWS message: %w", err)
	}
	if len(msg.Signatures()) == 0 {
		return nil, fmt.Errorf("token has no signatures")
	}
	header := msg.Signatures()[0].ProtectedHeaders()

	alg, ok := header.Algorithm()
	if !ok {
		return nil, fmt.Errorf("token does not specify an algorithm")
	}
	kid, ok := header.KeyID()
	if !ok || kid == "" {
		return nil, fmt.Errorf("token does not specify a key ID")
	}

	filtered := jwk.NewSet()
	for i := 0; i < keys.Len(); i++ {
		key, ok := keys.Key(i)
		if !ok {
			continue
		}
		if keyAlg, ok := key.Algorithm(); ok && keyAlg == alg {
			_ = filtered.AddKey(key)
		}
	}

	if filtered.Len() == 0 {
		return nil, fmt.Errorf("no keys found in JWKS matching algorithm %s", alg)
	}
	logger.Sugar().Debugw("Filtered JWKS", "kid", kid, "algorithm", alg, "original_count", keys.Len(), "filtered_count", filtered.Len())
	return filtered, nil
}
