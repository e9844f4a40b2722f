// Package auth verifies upstream-issued bearer tokens and resolves the
// caller's identity. Tokens are HS256 JWTs whose subject is the user.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/platform/ctxutil"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

type Claims struct {
	jwt.RegisteredClaims
}

type Verifier struct {
	log    *logger.Logger
	secret []byte
	admin  string
}

// NewVerifier resolves the signing secret from cfg: the explicit secret
// wins, otherwise the secret file is read or generated.
func NewVerifier(log *logger.Logger, cfg config.AuthConfig) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		var err error
		secret, err = LoadOrCreateSecret(cfg.SecretFile)
		if err != nil {
			return nil, err
		}
	}
	return NewVerifierWithSecret(log, []byte(secret), cfg.Admin), nil
}

func NewVerifierWithSecret(log *logger.Logger, secret []byte, admin string) *Verifier {
	return &Verifier{
		log:    log.With("component", "AuthVerifier"),
		secret: secret,
		admin:  session.NormalizeUser(admin),
	}
}

// Verify parses tokenString and returns the identity it carries.
func (v *Verifier) Verify(tokenString string) (*ctxutil.Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		v.log.Debug("Token rejected", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	user := session.NormalizeUser(claims.Subject)
	if user == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return &ctxutil.Identity{User: user, Admin: v.IsAdmin(user)}, nil
}

// IsAdmin reports whether user is the configured admin. No admin is
// configured when the setting is empty.
func (v *Verifier) IsAdmin(user string) bool {
	return v.admin != "" && user == v.admin
}

// Issue signs a token for user. The hub never hands these out itself; it is
// used by tooling and tests.
func (v *Verifier) Issue(claims jwt.RegisteredClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims})
	return token.SignedString(v.secret)
}

// LoadOrCreateSecret reads a hex secret from path, generating and persisting
// 32 random bytes with mode 0600 when the file does not exist.
func LoadOrCreateSecret(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("auth secret file not configured")
	}
	b, err := os.ReadFile(path)
	if err == nil {
		s := strings.TrimSpace(string(b))
		if s == "" {
			return "", fmt.Errorf("auth secret file %s is empty", path)
		}
		return s, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read auth secret: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate auth secret: %w", err)
	}
	secret := hex.EncodeToString(raw)
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create auth secret dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write auth secret: %w", err)
	}
	return secret, nil
}
