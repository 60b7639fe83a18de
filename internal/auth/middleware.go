package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// AuthClient defines the interface for authentication operations
type AuthClient interface {
	ValidateToken(ctx context.Context, token string) (*UserClaims, error)
	ExtractTokenFromRequest(r *http.Request) (string, error)
	SetUserInContext(r *http.Request, user *UserClaims) *http.Request
}

// JWKSAuthClient validates tokens against the auth provider's JWKS endpoint
type JWKSAuthClient struct{}

// NewJWKSAuthClient creates a new JWKSAuthClient
func NewJWKSAuthClient() *JWKSAuthClient {
	return &JWKSAuthClient{}
}

// ValidateToken validates a JWT issued by the configured auth provider
func (c *JWKSAuthClient) ValidateToken(ctx context.Context, token string) (*UserClaims, error) {
	return validateToken(ctx, token)
}

// ExtractTokenFromRequest extracts a JWT token from the Authorization header
func (c *JWKSAuthClient) ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("missing or invalid Authorization header")
	}
	return strings.TrimPrefix(authHeader, "Bearer "), nil
}

// SetUserInContext adds user claims to the request context
func (c *JWKSAuthClient) SetUserInContext(r *http.Request, user *UserClaims) *http.Request {
	ctx := context.WithValue(r.Context(), UserKey, user)
	return r.WithContext(ctx)
}

// UserContextKey is the key used to store user claims in the request context
type UserContextKey string

const (
	UserKey UserContextKey = "user"
)

// UserClaims represents the JWT claims of an authenticated user
type UserClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"sub"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// AuthMiddleware validates JWT tokens (uses the default JWKSAuthClient)
func AuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddlewareWithClient(NewJWKSAuthClient())(next)
}

// AuthMiddlewareWithClient validates JWT tokens using the provided AuthClient
func AuthMiddlewareWithClient(authClient AuthClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := authClient.ExtractTokenFromRequest(r)
			if err != nil {
				writeAuthError(w, r, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := authClient.ValidateToken(r.Context(), tokenString)
			if err != nil {
				log.Warn().Err(err).Str("token_prefix", tokenString[:min(10, len(tokenString))]).Msg("JWT validation failed")

				errorMsg := "Invalid authentication token"
				statusCode := http.StatusUnauthorized

				if strings.Contains(err.Error(), "expired") {
					errorMsg = "Authentication token has expired"
					// Expired tokens are normal user behaviour, not worth capturing
				} else if strings.Contains(err.Error(), "signature") {
					errorMsg = "Invalid token signature"
					sentry.CaptureException(err)
				} else if strings.Contains(err.Error(), "JWKS") || strings.Contains(err.Error(), "jwks") || strings.Contains(err.Error(), "keyfunc") {
					errorMsg = "Authentication service misconfigured"
					statusCode = http.StatusInternalServerError
					sentry.CaptureException(err)
				}

				writeAuthError(w, r, errorMsg, statusCode)
				return
			}

			r = authClient.SetUserInContext(r, claims)
			next.ServeHTTP(w, r)
		})
	}
}

var (
	jwksOnce    sync.Once
	jwksCache   keyfunc.Keyfunc
	jwksInitErr error
)

// getJWKS returns a cached JWKS client bound to the auth provider's signing
// certs.
func getJWKS() (keyfunc.Keyfunc, error) {
	jwksOnce.Do(func() {
		issuerURL := strings.TrimSuffix(os.Getenv("AUTH_ISSUER_URL"), "/")
		if issuerURL == "" {
			jwksInitErr = fmt.Errorf("AUTH_ISSUER_URL environment variable not set")
			return
		}

		jwksURL := os.Getenv("AUTH_JWKS_URL")
		if jwksURL == "" {
			jwksURL = fmt.Sprintf("%s/.well-known/jwks.json", issuerURL)
		}

		override := keyfunc.Override{
			Client:          &http.Client{Timeout: 5 * time.Second},
			HTTPTimeout:     5 * time.Second,
			RefreshInterval: 10 * time.Minute,
			RefreshErrorHandlerFunc: func(url string) func(ctx context.Context, err error) {
				return func(ctx context.Context, err error) {
					log.Error().Err(err).Str("jwks_url", url).Msg("JWKS refresh failed")
				}
			},
		}

		childCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		jwksCache, jwksInitErr = keyfunc.NewDefaultOverrideCtx(childCtx, []string{jwksURL}, override)
	})

	if jwksInitErr != nil {
		return nil, jwksInitErr
	}
	return jwksCache, nil
}

func validateToken(ctx context.Context, tokenString string) (*UserClaims, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request context cancelled: %w", ctx.Err())
	default:
	}

	jwks, err := getJWKS()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise JWKS: %w", err)
	}

	issuerURL := strings.TrimSuffix(os.Getenv("AUTH_ISSUER_URL"), "/")
	if issuerURL == "" {
		return nil, fmt.Errorf("AUTH_ISSUER_URL environment variable not set")
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&UserClaims{},
		jwks.Keyfunc,
		jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Name,
			jwt.SigningMethodES256.Name,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	issuer, err := claims.GetIssuer()
	if err != nil {
		return nil, fmt.Errorf("failed to read issuer: %w", err)
	}
	if issuer != issuerURL {
		return nil, fmt.Errorf("token has unexpected issuer: %s", issuer)
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	return claims, nil
}

// resetJWKSForTest clears the cached JWKS client. Intended for use in tests.
func resetJWKSForTest() {
	jwksOnce = sync.Once{}
	jwksCache = nil
	jwksInitErr = nil
}

// GetUserFromContext extracts user claims from the request context
func GetUserFromContext(ctx context.Context) (*UserClaims, bool) {
	user, ok := ctx.Value(UserKey).(*UserClaims)
	return user, ok
}

// writeAuthError writes a standardised authentication error response
func writeAuthError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	var requestID string
	if r != nil && r.Context() != nil {
		if rid := r.Context().Value("request_id"); rid != nil {
			if ridStr, ok := rid.(string); ok {
				requestID = ridStr
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"status":     statusCode,
		"message":    message,
		"code":       "UNAUTHORISED",
		"request_id": requestID,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode unauthorised response")
	}
}

// min returns the minimum of two integers
func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
