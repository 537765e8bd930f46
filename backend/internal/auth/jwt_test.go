package auth

import (
	"testing"
	"time"
)

func TestSignAndParseAccessToken(t *testing.T) {
	token, _, err := SignAccessToken(42, "alice", time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}
	claims, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken error: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "alice" || claims.Type != "access" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseToken_Expired(t *testing.T) {
	token, _, err := SignAccessToken(1, "alice", -time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}
	if _, err := ParseToken(token); err == nil {
		t.Fatalf("ParseToken accepted expired token")
	}
}

func TestParseToken_Garbage(t *testing.T) {
	if _, err := ParseToken("not-a-token"); err == nil {
		t.Fatalf("ParseToken accepted garbage")
	}
}

func TestExtractBearer(t *testing.T) {
	if got := extractBearer("Bearer abc"); got != "abc" {
		t.Fatalf("extractBearer = %q, want %q", got, "abc")
	}
	if got := extractBearer("bearer abc"); got != "abc" {
		t.Fatalf("extractBearer lowercase = %q, want %q", got, "abc")
	}
	if got := extractBearer("Basic abc"); got != "" {
		t.Fatalf("extractBearer = %q, want empty", got)
	}
	if got := extractBearer(""); got != "" {
		t.Fatalf("extractBearer = %q, want empty", got)
	}
}
