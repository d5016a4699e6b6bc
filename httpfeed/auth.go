package httpfeed

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/velmie/eventfeed"
)

const recipientKey = "recipient_id"

var (
	// ErrSecretRequired is returned when the validator has no signing secret.
	ErrSecretRequired = errors.New("httpfeed: jwt secret is required")
	// ErrTokenMissing is returned when a request carries no bearer token.
	ErrTokenMissing = errors.New("httpfeed: bearer token is missing")
)

// Claims are the JWT claims accepted by the feed. The subject is the recipient id.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator verifies HS256 tokens.
type Validator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithIssuer requires the iss claim.
func WithIssuer(issuer string) ValidatorOption {
	return func(v *Validator) {
		v.issuer = issuer
	}
}

// WithAudience requires aud to contain audience.
func WithAudience(audience string) ValidatorOption {
	return func(v *Validator) {
		v.audience = audience
	}
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.leeway = d
	}
}

// NewValidator creates a validator for tokens signed with secret.
func NewValidator(secret []byte, opts ...ValidatorOption) (*Validator, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	v := &Validator{secret: secret}
	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// Validate parses tokenStr and returns the recipient id it grants access to.
func (v *Validator) Validate(tokenStr string) (string, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return "", fmt.Errorf("httpfeed: token validation failed: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("httpfeed: invalid token")
	}
	if err := eventfeed.ValidateRecipientID(claims.Subject); err != nil {
		return "", fmt.Errorf("httpfeed: token subject: %w", err)
	}

	return claims.Subject, nil
}

// Sign issues a token for recipientID valid for ttl. It backs local tooling and tests.
func (v *Validator) Sign(recipientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   recipientID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Authenticate stores the token subject as the request's recipient. EventSource cannot set
// headers, so the access_token query parameter is accepted as well.
func Authenticate(v *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			_ = c.Error(ErrTokenMissing)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		recipientID, err := v.Validate(token)
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(recipientKey, recipientID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}

	return strings.TrimSpace(c.Query("access_token"))
}

func recipientFrom(c *gin.Context) string {
	return c.GetString(recipientKey)
}
