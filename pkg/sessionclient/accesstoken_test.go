package sessionclient

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseAccessTokenFormat(t *testing.T) {
	valid := mintTestToken(t, clockStart.Add(time.Hour))
	segments := strings.Split(valid, ".")

	unsignedNoExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	testCases := []struct {
		name    string
		token   string
		now     time.Time
		wantErr bool
	}{
		{name: "valid", token: valid, now: clockStart},
		{name: "two segments", token: segments[0] + "." + segments[1], now: clockStart, wantErr: true},
		{name: "four segments", token: valid + ".extra", now: clockStart, wantErr: true},
		{name: "empty segment", token: segments[0] + ".." + segments[2], now: clockStart, wantErr: true},
		{name: "undecodable claims", token: segments[0] + ".!!!." + segments[2], now: clockStart, wantErr: true},
		{name: "missing exp", token: unsignedNoExpiry, now: clockStart, wantErr: true},
		{name: "elapsed exp", token: valid, now: clockStart.Add(time.Hour), wantErr: true},
		{name: "one second before exp", token: valid, now: clockStart.Add(time.Hour - time.Second)},
		{name: "empty", token: "", now: clockStart, wantErr: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			claims, err := ParseAccessToken(testCase.token, testCase.now)
			if testCase.wantErr {
				if !errors.Is(err, ErrTokenInvalid) {
					t.Fatalf("expected ErrTokenInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if claims.UserID != testUser.ID {
				t.Fatalf("unexpected user id %q", claims.UserID)
			}
			if !claims.GetExpiresAt().Equal(clockStart.Add(time.Hour)) {
				t.Fatalf("unexpected expiry %v", claims.GetExpiresAt())
			}
		})
	}
}
