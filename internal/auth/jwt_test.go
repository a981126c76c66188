package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key"

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier(testSecret)

	token, err := v.Issue("pilot-42", "club-7", "lszf", "lszb", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.PrincipalID() != "pilot-42" {
		t.Errorf("PrincipalID() = %q, want pilot-42", claims.PrincipalID())
	}
	if claims.ClubID != "club-7" {
		t.Errorf("ClubID = %q, want club-7", claims.ClubID)
	}
}

func TestChannelPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		selected string
		home     string
		want     string
	}{
		{"selected wins over home", "lszf", "lszb", "lszf"},
		{"home when nothing selected", "", "lszb", "lszb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Claims{SelectedChannel: tt.selected, HomeChannel: tt.home}
			if got := c.Channel(); got != tt.want {
				t.Errorf("Channel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVerifyRejections(t *testing.T) {
	v := NewVerifier(testSecret)

	noPrincipal, _ := v.Issue("", "club-7", "lszf", "", time.Minute)
	noChannel, _ := v.Issue("pilot-42", "club-7", "", "", time.Minute)
	expired, _ := v.Issue("pilot-42", "club-7", "lszf", "", -time.Minute)
	otherKey, _ := NewVerifier("some-other-secret").Issue("pilot-42", "club-7", "lszf", "", time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"missing principal", noPrincipal},
		{"missing channels", noChannel},
		{"expired", expired},
		{"wrong key", otherKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); err == nil {
				t.Error("Verify accepted an invalid token")
			}
		})
	}
}

func TestVerifyRejectsNonHMAC(t *testing.T) {
	// alg=none carrying otherwise valid claims.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		SelectedChannel: "lszf",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "pilot-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := NewVerifier(testSecret).Verify(signed); err == nil {
		t.Error("Verify accepted an unsigned token")
	}
}

func TestExtractToken(t *testing.T) {
	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=abc123", nil)
		token, err := ExtractToken(r)
		if err != nil || token != "abc123" {
			t.Errorf("ExtractToken = (%q, %v), want (abc123, nil)", token, err)
		}
	})

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer xyz789")
		token, err := ExtractToken(r)
		if err != nil || token != "xyz789" {
			t.Errorf("ExtractToken = (%q, %v), want (xyz789, nil)", token, err)
		}
	})

	t.Run("query wins over header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=abc123", nil)
		r.Header.Set("Authorization", "Bearer xyz789")
		token, _ := ExtractToken(r)
		if token != "abc123" {
			t.Errorf("ExtractToken = %q, want query token", token)
		}
	})

	t.Run("absent", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		if _, err := ExtractToken(r); err != ErrNoCredential {
			t.Errorf("ExtractToken err = %v, want ErrNoCredential", err)
		}
	})
}
