// Package auth authenticates the monitoring agent against the shared
// application key.
package auth

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	// APIKeyHeader carries the raw shared key.
	APIKeyHeader = "X-API-Key"
	// APIKeyParam is the query parameter and JSON body field for the key.
	APIKeyParam = "api_key"
	// SubjectKey is the echo context key for the authenticated subject.
	SubjectKey = "auth_subject"

	// maxKeyBody bounds how much of a JSON body is inspected for api_key.
	maxKeyBody = 1 << 20
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are carried by bearer tokens signed with the application key.
type Claims struct {
	jwt.RegisteredClaims
}

// KeyAuth accepts a request when it presents appKey through the X-API-Key
// header, the api_key query parameter, an api_key field of a JSON body, or an
// HS256 bearer token signed with appKey. Requests for which skipper returns
// true pass through unchecked.
func KeyAuth(appKey string, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	secret := []byte(appKey)
	if skipper == nil {
		skipper = func(echo.Context) bool { return false }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}

			if token, ok := bearerToken(c.Request()); ok {
				claims, err := ParseToken(appKey, token)
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
				}
				c.Set(SubjectKey, claims.Subject)
				return next(c)
			}

			key, err := extractKey(c)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
			}
			if subtle.ConstantTimeCompare([]byte(key), secret) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			c.Set(SubjectKey, "agent")
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// extractKey looks for the key in the header, then the query string, then a
// JSON body. The body is restored so handlers can bind it.
func extractKey(c echo.Context) (string, error) {
	req := c.Request()
	if key := req.Header.Get(APIKeyHeader); key != "" {
		return key, nil
	}
	if key := c.QueryParam(APIKeyParam); key != "" {
		return key, nil
	}
	if req.Body == nil || req.Body == http.NoBody ||
		!strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxKeyBody+1))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxKeyBody {
		return "", errors.New("request body too large")
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	var envelope struct {
		APIKey string `json:"api_key"`
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		// not an object; the handler reports malformed input
		return "", nil
	}
	return envelope.APIKey, nil
}

// IssueToken signs a bearer token for subject that expires after ttl.
func IssueToken(appKey, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(appKey))
}

// ParseToken validates an HS256 token signed with appKey.
func ParseToken(appKey, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(appKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SubjectFromContext returns the authenticated subject, if any.
func SubjectFromContext(c echo.Context) string {
	sub, _ := c.Get(SubjectKey).(string)
	return sub
}
