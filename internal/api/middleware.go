/**
 * @description
 * This file contains the operator authentication middleware. Admin console
 * operators present an RS256 JWT; keys come from the identity provider's JWKS
 * endpoint and are cached between requests.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorIDContextKey is a custom type for the context key to avoid collisions.
type OperatorIDContextKey string

const operatorIDKey OperatorIDContextKey = "operatorID"

const (
	defaultJWKSCacheTTL        = 10 * time.Minute
	defaultJWKSRefreshInterval = 30 * time.Second
)

// OperatorAuth validates operator tokens against a JWKS endpoint.
type OperatorAuth struct {
	jwksURL    string
	audience   string
	issuer     string
	cacheTTL   time.Duration
	// minRefresh bounds how often the JWKS endpoint is asked, whatever the
	// tokens being presented claim as kid.
	minRefresh time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastRefresh time.Time
	refreshing  chan struct{}
}

// NewOperatorAuth creates the authenticator. Empty audience or issuer disables that check.
func NewOperatorAuth(jwksURL, audience, issuer string, logger *slog.Logger) *OperatorAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperatorAuth{
		jwksURL:    jwksURL,
		audience:   strings.TrimSpace(audience),
		issuer:     strings.TrimSpace(issuer),
		cacheTTL:   defaultJWKSCacheTTL,
		minRefresh: defaultJWKSRefreshInterval,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
}

// Middleware rejects requests without a valid operator token and stores the
// operator id (the `sub` claim) in the request context.
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
			return
		}

		parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}), jwt.WithExpirationRequired()}
		if a.audience != "" {
			parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
		}
		if a.issuer != "" {
			parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
		}

		token, err := jwt.Parse(tokenString, a.keyFunc(r.Context()), parserOpts...)
		if err != nil || !token.Valid {
			a.logger.Info("operator token rejected", "component", "api", "err", err)
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		operatorID, err := token.Claims.GetSubject()
		if err != nil || strings.TrimSpace(operatorID) == "" {
			writeError(w, http.StatusUnauthorized, "Operator ID not found in token")
			return
		}

		ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *OperatorAuth) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}
		return a.publicKey(ctx, kid)
	}
}

// publicKey returns the key for kid. A stale cache or an unknown kid triggers a
// JWKS refresh, but at most one per minRefresh; callers arriving during a
// refresh wait for it instead of starting their own. The network call runs
// without a.mu held.
func (a *OperatorAuth) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	for {
		a.mu.Lock()
		key, known := a.keys[kid]
		if known && a.now().Sub(a.fetchedAt) < a.cacheTTL {
			a.mu.Unlock()
			return key, nil
		}
		if wait := a.refreshing; wait != nil {
			a.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if !a.lastRefresh.IsZero() && a.now().Sub(a.lastRefresh) < a.minRefresh {
			a.mu.Unlock()
			if known {
				return key, nil
			}
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		done := make(chan struct{})
		a.refreshing = done
		a.lastRefresh = a.now()
		a.mu.Unlock()

		// Shared by every waiter, so not bound to this request.
		keys, err := a.fetchJWKS(context.WithoutCancel(ctx))

		a.mu.Lock()
		if err == nil {
			a.keys = keys
			a.fetchedAt = a.now()
		}
		a.refreshing = nil
		close(done)
		key, known = a.keys[kid]
		a.mu.Unlock()

		switch {
		case err != nil && known:
			a.logger.Warn("jwks refresh failed; using cached key", "component", "api", "err", err)
			return key, nil
		case err != nil:
			return nil, err
		case !known:
			return nil, fmt.Errorf("key with kid %s not found", kid)
		default:
			return key, nil
		}
	}
}

func (a *OperatorAuth) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || key.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			a.logger.Warn("skipping malformed jwks key", "component", "api", "kid", key.Kid, "err", err)
			continue
		}
		keys[key.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 {
		return nil, fmt.Errorf("empty modulus or exponent")
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}

// GetOperatorID retrieves the authenticated operator's id from the request context.
func GetOperatorID(ctx context.Context) (string, bool) {
	operatorID, ok := ctx.Value(operatorIDKey).(string)
	return operatorID, ok
}
