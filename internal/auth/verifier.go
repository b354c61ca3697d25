package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

var ErrInvalidToken = errors.New("invalid token")

// Verifier validates HS256 bearer tokens issued by the identity provider.
// The token subject is the account id.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewVerifier builds a verifier. Issuer and audience are checked only when
// set.
func NewVerifier(secret, issuer, audience string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must be set")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		parser:   jwt.NewParser(opts...),
	}, nil
}

// Verify parses and validates a token and returns the identity it carries.
func (v *Verifier) Verify(tokenString string) (AuthContext, error) {
	var claims jwt.RegisteredClaims
	token, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return AuthContext{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return AuthContext{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}

	ac := AuthContext{AccountID: claims.Subject, TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		ac.ExpiresAt = claims.ExpiresAt.Time
	}
	return ac, nil
}

// Sign issues a token for the account. It is used for local development and
// tests; production tokens come from the identity provider.
func (v *Verifier) Sign(accountID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
