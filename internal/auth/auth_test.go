package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

func TestVerify(t *testing.T) {
	v := NewVerifierWithSecret(logger.Nop(), []byte("s3cret"), "admin")

	tok, err := v.Issue(jwt.RegisteredClaims{Subject: "alice"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.User != "alice" || id.Admin {
		t.Fatalf("id=%+v", id)
	}

	tok, _ = v.Issue(jwt.RegisteredClaims{Subject: "admin"})
	if id, err := v.Verify(tok); err != nil || !id.Admin {
		t.Fatalf("admin id=%+v err=%v", id, err)
	}

	expired, _ := v.Issue(jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	if _, err := v.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired: %v", err)
	}

	other := NewVerifierWithSecret(logger.Nop(), []byte("different"), "")
	forged, _ := other.Issue(jwt.RegisteredClaims{Subject: "alice"})
	if _, err := v.Verify(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged: %v", err)
	}

	noSub, _ := v.Issue(jwt.RegisteredClaims{})
	if _, err := v.Verify(noSub); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty subject: %v", err)
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("missing: %v", err)
	}
}

func TestNoAdminConfigured(t *testing.T) {
	v := NewVerifierWithSecret(logger.Nop(), []byte("k"), "")
	if v.IsAdmin("") || v.IsAdmin("anyone") {
		t.Fatalf("no admin should be designated")
	}
}

func TestLoadOrCreateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "cookie_secret")

	first, err := LoadOrCreateSecret(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("secret length=%d", len(first))
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v", st.Mode().Perm())
	}

	second, err := LoadOrCreateSecret(path)
	if err != nil || second != first {
		t.Fatalf("reload got %q err=%v", second, err)
	}
}

func TestEnvSecretWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unused")
	v, err := NewVerifier(logger.Nop(), config.AuthConfig{Secret: "from-env", SecretFile: path})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if string(v.secret) != "from-env" {
		t.Fatalf("secret=%q", v.secret)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("secret file should not be written")
	}
}
