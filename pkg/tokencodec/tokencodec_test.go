package tokencodec

import (
	"testing"
	"time"

	"github.com/aionbuilders/helios/pkg/clock"
)

const testSecret = "01234567890123456789012345678901"

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New([]byte("too-short"))
	if err != ErrSecretTooShort {
		t.Fatalf("err = %v, want ErrSecretTooShort", err)
	}
}

func TestMintVerifyRoundTrip(t *testing.T) {
	c, err := New([]byte(testSecret))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := c.Mint("sess-1", "conn-1", map[string]any{"role": "guest"}, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	sess, err := c.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sess.SessionID != "sess-1" || sess.ConnectionID != "conn-1" {
		t.Fatalf("sess = %+v", sess)
	}
	if sess.Metadata["role"] != "guest" {
		t.Fatalf("metadata = %+v", sess.Metadata)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	fake := clock.NewFake(time.Now())
	c, err := NewWithClock([]byte(testSecret), fake)
	if err != nil {
		t.Fatalf("NewWithClock: %v", err)
	}

	token, err := c.Mint("sess-1", "conn-1", nil, time.Second)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	fake.Advance(2 * time.Second)

	_, err = c.Verify(token)
	if err != ErrInvalid {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	c1, _ := New([]byte(testSecret))
	c2, _ := New([]byte("98765432109876543210987654321098"))

	token, err := c1.Mint("sess-1", "conn-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, err = c2.Verify(token)
	if err != ErrInvalid {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	c, _ := New([]byte(testSecret))
	_, err := c.Verify("not-a-token")
	if err != ErrInvalid {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestRefreshKeepsSessionIdentity(t *testing.T) {
	c, _ := New([]byte(testSecret))
	token, _ := c.Mint("sess-1", "conn-1", map[string]any{"role": "guest"}, time.Minute)
	sess, err := c.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	refreshed, err := c.Refresh(sess, 2*time.Minute)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	sess2, err := c.Verify(refreshed)
	if err != nil {
		t.Fatalf("Verify refreshed: %v", err)
	}
	if sess2.SessionID != sess.SessionID || sess2.ConnectionID != sess.ConnectionID {
		t.Fatalf("refresh rotated identity: %+v vs %+v", sess, sess2)
	}
}
