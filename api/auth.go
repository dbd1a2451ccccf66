package api

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	envAuthTestMode     = "AUTH_TEST_MODE"
	envTestJWTSecret    = "TEST_JWT_SECRET"
	envJWKSCacheTTL     = "JWKS_CACHE_TTL"

	// Applied to nbf/iat only. Expiry is checked strictly: an expired token
	// never authorizes a write.
	clockSkew = time.Minute
)

var (
	errTokenExpired    = errors.New("token expired")
	errTokenPremature  = errors.New("token not valid yet")
	errInvalidAudience = errors.New("invalid audience")
	errInvalidIssuer   = errors.New("invalid issuer")
	errMissingSubject  = errors.New("missing sub")
)

// Auth validates incoming JWT tokens and resolves the owner identity they
// carry. Token issuance is owned by an external identity provider; only
// validation happens here. With AUTH_TEST_MODE=1 tokens are HS256-signed
// with TEST_JWT_SECRET instead of RS256 against the JWKS.
type Auth struct {
	jwks       *keyfunc.JWKS
	audience   string
	issuer     string
	testSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map // kid -> cachedKey
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	a := &Auth{jwks: jwks, audience: audience, issuer: issuer}
	a.keyCacheTTL = jwksCacheTTL()

	if os.Getenv(envAuthTestMode) == "1" {
		secret := os.Getenv(envTestJWTSecret)
		if secret == "" {
			panic("TEST_JWT_SECRET must be set when AUTH_TEST_MODE=1")
		}
		a.testSecret = []byte(secret)
		a.parser = newParser("HS256")
		return a
	}
	a.parser = newParser("RS256")
	return a
}

// newParser disables the library's built-in claim validation; the explicit
// checks in UserIDFromAuthHeader apply the skew policy instead.
func newParser(method string) *jwt.Parser {
	return jwt.NewParser(jwt.WithValidMethods([]string{method}), jwt.WithoutClaimsValidation())
}

func jwksCacheTTL() time.Duration {
	raw := os.Getenv(envJWKSCacheTTL)
	if raw == "" {
		return defaultJWKSCacheTTL
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 {
		panic("invalid JWKS_CACHE_TTL")
	}
	return ttl
}

// UserIDFromAuthHeader extracts the owner identifier from the Authorization
// header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerTokenFromString(h)
	if err != nil {
		return "", err
	}

	parsed, err := a.parser.Parse(token, a.signingKey)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errTokenExpired
	}
	lenient := time.Now().Add(clockSkew).Unix()
	if !claims.VerifyNotBefore(lenient, false) {
		return "", errTokenPremature
	}
	if !claims.VerifyIssuedAt(lenient, false) {
		return "", errTokenPremature
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return "", errInvalidAudience
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return "", errInvalidIssuer
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errMissingSubject
	}
	return sub, nil
}

func (a *Auth) signingKey(token *jwt.Token) (any, error) {
	if a.testSecret != nil {
		return a.testSecret, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
