package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential marks a handshake that carried no token at all. The
	// gate treats it as a verification that never completes rather than an
	// immediate failure.
	ErrNoCredential = errors.New("no credential presented")

	errNoPrincipal = errors.New("token carries no principal id")
	errNoChannel   = errors.New("token carries neither selected nor home channel")
)

// Claims are the verified session claims the dashboard's session service
// issues. SelectedChannel is the airfield the user picked for this session;
// HomeChannel is the account's home airfield. Selected wins when both are set.
type Claims struct {
	ClubID          string `json:"club_id,omitempty"`
	SelectedChannel string `json:"selected_channel,omitempty"`
	HomeChannel     string `json:"home_channel,omitempty"`
	jwt.RegisteredClaims
}

// PrincipalID identifies the owning account.
func (c *Claims) PrincipalID() string {
	return c.Subject
}

// Channel resolves the session's scope, preferring the selected channel.
func (c *Claims) Channel() string {
	if c.SelectedChannel != "" {
		return c.SelectedChannel
	}
	return c.HomeChannel
}

// Verifier validates session tokens. It is the gateway's only view of the
// session service; token issuance lives elsewhere in the dashboard.
type Verifier struct {
	secretKey []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secretKey: []byte(secret)}
}

// Verify checks the token signature and the claim shape the gateway depends
// on: a principal id plus at least one channel claim.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.PrincipalID() == "" {
		return nil, errNoPrincipal
	}
	if claims.Channel() == "" {
		return nil, errNoChannel
	}
	return claims, nil
}

// ExtractToken pulls the session token from the websocket handshake: query
// parameter first (the browser client's path), Authorization header as the
// fallback. Returns ErrNoCredential when neither is present.
func ExtractToken(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	authHeader := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix), nil
	}
	return "", ErrNoCredential
}

// Issue signs a token with the given claims. Test helper; production tokens
// come from the dashboard's session service.
func (v *Verifier) Issue(principalID, clubID, selected, home string, ttl time.Duration) (string, error) {
	claims := &Claims{
		ClubID:          clubID,
		SelectedChannel: selected,
		HomeChannel:     home,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "gliderops-gateway",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}
