// Package auth validates connection tokens and issues new ones.
//
// Tokens are HS256 JWTs carried in the "jwt" query parameter of the connect
// URL. A relay may additionally serve a public path prefix to clients without
// a token.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/WadkarNaved15/moq/errors"
)

// TokenParam is the query parameter carrying the token.
const TokenParam = "jwt"

const keySize = 32

// Validator turns connect URLs into Claims.
type Validator struct {
	key    []byte
	public *string
}

// NewValidator creates a validator. key may be nil when only the public
// prefix is served; public may be nil to require a token everywhere.
func NewValidator(key []byte, public *string) (*Validator, error) {
	if len(key) == 0 && public == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Validator", "NewValidator", "key or public path")
	}
	return &Validator{key: key, public: public}, nil
}

// Validate checks the token in u against the URL path. It fails with an
// error wrapping errors.ErrUnauthorized when the token is missing, malformed,
// expired, signed with another key or scoped to a different path.
func (v *Validator) Validate(u *url.URL) (Claims, error) {
	path := strings.TrimPrefix(u.Path, "/")
	token := u.Query().Get(TokenParam)

	if token == "" {
		if v.public != nil && covers(*v.public, path) {
			return Claims{Path: path, Subscribe: Scope(""), Publish: Scope("")}, nil
		}
		return Claims{}, unauthorized("missing token")
	}
	if len(v.key) == 0 {
		return Claims{}, unauthorized("token authentication disabled")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Claims{}, unauthorized(err.Error())
	}
	if !parsed.Valid {
		return Claims{}, unauthorized("invalid token")
	}

	if !covers(claims.Path, path) {
		return Claims{}, unauthorized(fmt.Sprintf("token path %q does not cover %q", claims.Path, path))
	}
	return *claims, nil
}

// covers reports whether scope contains path on a segment boundary: "demo"
// covers "demo" and "demo/x" but not "demo2".
func covers(scope, path string) bool {
	if !strings.HasPrefix(path, scope) {
		return false
	}
	return scope == "" || len(path) == len(scope) || strings.HasSuffix(scope, "/") || path[len(scope)] == '/'
}

func unauthorized(reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnauthorized, reason), "Validator", "Validate", "token validation")
}

// Sign issues a token for claims. A zero ttl issues a token without expiry.
func Sign(key []byte, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", errors.Wrap(err, "auth", "Sign", "sign token")
	}
	return token, nil
}

// GenerateKey returns a fresh random signing key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "auth", "GenerateKey", "read random")
	}
	return key, nil
}

// EncodeKey renders key for storage in a key file.
func EncodeKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// LoadKey reads a key file written by EncodeKey.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "auth", "LoadKey", "read key file")
	}
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.WrapFatal(err, "auth", "LoadKey", "decode key")
	}
	if len(key) < 16 {
		return nil, errors.WrapFatal(fmt.Errorf("key too short: %d bytes", len(key)), "auth", "LoadKey", "decode key")
	}
	return key, nil
}

// WithToken returns u with token set as the token query parameter.
func WithToken(u *url.URL, token string) *url.URL {
	out := *u
	q := out.Query()
	q.Set(TokenParam, token)
	out.RawQuery = q.Encode()
	return &out
}
