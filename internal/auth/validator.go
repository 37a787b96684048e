package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified payload of an accepted bearer token. It exists only
// for the duration of one request and is never persisted.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Config describes the externally issued token contract.
type Config struct {
	// Domain is the issuer domain; tokens must carry iss = "https://<Domain>/"
	// and the key set is published at https://<Domain>/.well-known/jwks.json.
	Domain string
	// Audience is the API identifier expected in the aud claim.
	Audience string
	// Algorithms is the asymmetric signing algorithm allow-list.
	// Defaults to RS256. Symmetric algorithms are rejected outright.
	Algorithms []string
	// FetchTimeout bounds each JWKS fetch.
	FetchTimeout time.Duration
}

// Issuer returns the expected iss claim value.
func (c Config) Issuer() string { return "https://" + c.Domain + "/" }

// JWKSURL returns the well-known key set endpoint derived from the domain.
func (c Config) JWKSURL() string { return "https://" + c.Domain + "/.well-known/jwks.json" }

// Validator verifies externally issued bearer tokens against the issuer's
// published key set. No local secret is held and no verified claims are
// cached: every call re-verifies in full, and a key-fetch outage fails
// closed.
type Validator struct {
	keys       *KeyCache
	issuer     string
	audience   string
	algorithms []string
	parser     *jwt.Parser
	now        func() time.Time
}

// NewValidator builds a validator from resolved configuration. It is
// constructed once at process start and shared by all requests.
func NewValidator(cfg Config) (*Validator, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, errors.New("auth: issuer domain is required")
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("auth: audience is required")
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	for _, alg := range algs {
		if isSymmetricAlg(alg) {
			return nil, fmt.Errorf("auth: symmetric algorithm %s is not allowed", alg)
		}
	}

	v := &Validator{
		keys:       NewKeyCache(cfg.JWKSURL(), cfg.FetchTimeout),
		issuer:     cfg.Issuer(),
		audience:   cfg.Audience,
		algorithms: algs,
		now:        time.Now,
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods(algs),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	return v, nil
}

// Authorize extracts the bearer credentials from an Authorization header
// value and validates them. The gateway owns no state; it is a pure function
// of the header and the key cache.
func (v *Validator) Authorize(ctx context.Context, header string) (*Claims, error) {
	token, err := bearerToken(header)
	if err != nil {
		return nil, err
	}
	return v.Validate(ctx, token)
}

// Validate fully verifies a raw bearer token: structure, algorithm,
// signature against the published key set, expiry, issuer and audience.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, rejection(KindInvalidHeader, "token is empty")
	}

	header, err := decodeHeader(raw)
	if err != nil {
		return nil, rejection(KindInvalidHeader, "unable to parse authentication token")
	}
	// Reject symmetric algorithms before any key handling so a public key
	// can never be abused as an HMAC secret.
	if isSymmetricAlg(header.Alg) {
		return nil, rejection(KindInvalidHeader, "use an asymmetrically signed JWT access token")
	}
	if !slices.Contains(v.algorithms, header.Alg) {
		return nil, rejection(KindInvalidHeader, fmt.Sprintf("algorithm %s is not allowed", header.Alg))
	}

	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, v.keyfunc(ctx)); err != nil {
		return nil, v.mapParseError(err)
	}
	return claims, nil
}

func (v *Validator) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, rejection(KindKeyNotFound, "token header carries no key id")
		}
		ks, err := v.keys.Get(ctx)
		if err != nil {
			return nil, err
		}
		if key, ok := ks.Key(kid); ok {
			return key, nil
		}
		// The issuer may have rotated keys since the last fetch. Refetch
		// exactly once per validation, then give up.
		v.keys.Invalidate()
		ks, err = v.keys.Get(ctx)
		if err != nil {
			return nil, err
		}
		if key, ok := ks.Key(kid); ok {
			return key, nil
		}
		return nil, rejection(KindKeyNotFound, "unable to find appropriate key")
	}
}

func (v *Validator) mapParseError(err error) error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return rejection(KindTokenExpired, "token is expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return rejection(KindInvalidHeader, "unable to parse authentication token")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return rejection(KindInvalidClaims, "incorrect claims, check the audience and issuer")
	}
	return rejection(KindInvalidClaims, "token verification failed")
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

func decodeHeader(raw string) (tokenHeader, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return tokenHeader{}, errors.New("token must have three segments")
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenHeader{}, err
	}
	var h tokenHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return tokenHeader{}, err
	}
	if h.Alg == "" {
		return tokenHeader{}, errors.New("token header has no algorithm")
	}
	return h, nil
}

func isSymmetricAlg(alg string) bool {
	return strings.HasPrefix(strings.ToUpper(alg), "HS")
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", rejection(KindMissingHeader, "authorization header is expected")
	}
	parts := strings.Fields(header)
	if !strings.EqualFold(parts[0], "bearer") {
		return "", rejection(KindInvalidHeader, "authorization header must start with Bearer")
	}
	if len(parts) == 1 {
		return "", rejection(KindInvalidHeader, "token not found")
	}
	if len(parts) > 2 {
		return "", rejection(KindInvalidHeader, "authorization header must be Bearer token")
	}
	return parts[1], nil
}
