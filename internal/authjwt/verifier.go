// Package authjwt verifies RS256-signed bearer tokens issued for this
// broker, extracting the subject and allowed-tag set used by the access
// filter. Any malformed or invalid token yields one generic error so
// external clients never learn which claim failed.
package authjwt

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ravelsys/mcp-broker/internal/brokererr"
)

const (
	expectedIssuer   = "mcp-broker"
	expectedAudience = "mcp-broker"

	// DefaultTokenLifetime is the default lifetime a token is issued with;
	// the broker itself never refreshes tokens.
	DefaultTokenLifetime = 30 * 24 * time.Hour
)

// Claims is the broker's own claim set, decoded from the JWT's MapClaims
// after structural validation.
type Claims struct {
	Subject     string
	AllowedTags []string
	ExpiresAt   time.Time
}

// Verifier validates compact RS256 JWTs against a single public key
// loaded at startup.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier constructs a Verifier from a PEM-encoded RSA public key.
func NewVerifier(publicKeyPEM []byte) (*Verifier, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, brokererr.New(brokererr.KindInvalidConfig, "no PEM block found in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindInvalidConfig, "parse public key", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, brokererr.New(brokererr.KindInvalidConfig, "public key is not RSA")
	}
	return &Verifier{publicKey: rsaPub}, nil
}

// LoadVerifierFromFile reads a PEM public key from path and constructs a
// Verifier. It does not enforce file permissions itself; permission
// enforcement (0600/0400) applies to the matching *private* key used by
// the separate issuer utility, checked by CheckPrivateKeyPermissions.
func LoadVerifierFromFile(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindInvalidConfig, "read public key file", err)
	}
	return NewVerifier(data)
}

// CheckPrivateKeyPermissions validates that the private-key file used by
// the issuer utility is mode 0600 or 0400, refusing to proceed otherwise.
// Windows has no POSIX permission bits to check, so the check is skipped
// there the same way the teacher's file-permission checks are skipped
// on platforms without meaningful mode bits.
func CheckPrivateKeyPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return brokererr.Wrap(brokererr.KindInvalidConfig, "stat private key file", err)
	}
	mode := info.Mode().Perm()
	if mode != 0o600 && mode != 0o400 {
		return brokererr.New(brokererr.KindInvalidConfig, fmt.Sprintf("private key file %s must be mode 0600 or 0400, got %#o", path, mode))
	}
	return nil
}

// Verify parses and validates tokenString, returning the decoded Claims
// on success. Any structural or semantic deviation (bad signature,
// wrong issuer/audience, missing/malformed claims, expired token)
// collapses to a single invalid_token error.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return v.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || token == nil || !token.Valid {
		return nil, brokererr.New(brokererr.KindInvalidToken, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, brokererr.New(brokererr.KindInvalidToken, "invalid token")
	}

	iss, _ := claims["iss"].(string)
	aud, _ := claims["aud"].(string)
	sub, _ := claims["sub"].(string)
	if iss != expectedIssuer || aud != expectedAudience || sub == "" {
		return nil, brokererr.New(brokererr.KindInvalidToken, "invalid token")
	}

	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return nil, brokererr.New(brokererr.KindInvalidToken, "invalid token")
	}
	expiresAt := time.Unix(int64(expFloat), 0)
	if !expiresAt.After(time.Now()) {
		return nil, brokererr.New(brokererr.KindInvalidToken, "invalid token")
	}

	rawTags, ok := claims["allowed_tags"].([]any)
	if !ok {
		return nil, brokererr.New(brokererr.KindInvalidToken, "invalid token")
	}
	tags := make([]string, 0, len(rawTags))
	for _, rt := range rawTags {
		s, ok := rt.(string)
		if !ok {
			return nil, brokererr.New(brokererr.KindInvalidToken, "invalid token")
		}
		tags = append(tags, s)
	}

	return &Claims{Subject: sub, AllowedTags: tags, ExpiresAt: expiresAt}, nil
}
