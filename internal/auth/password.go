package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidPassword is returned for any password that does not match.
	ErrInvalidPassword = errors.New("auth: invalid password")
	errMissingPassword = errors.New("admin password or password hash must be provided")
	errMalformedBcrypt = errors.New("admin password hash is not a bcrypt hash")
)

// PasswordVerifier checks the admin password. A bcrypt hash takes precedence
// over a plain password when both are configured.
type PasswordVerifier struct {
	hash  []byte
	plain []byte
}

func NewPasswordVerifier(plainPassword, passwordHash string) (*PasswordVerifier, error) {
	hash := strings.TrimSpace(passwordHash)
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, errMalformedBcrypt
		}
		return &PasswordVerifier{hash: []byte(hash)}, nil
	}
	if plainPassword == "" {
		return nil, errMissingPassword
	}
	return &PasswordVerifier{plain: []byte(plainPassword)}, nil
}

func (v *PasswordVerifier) Verify(candidate string) error {
	if candidate == "" {
		return ErrInvalidPassword
	}
	if len(v.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(v.hash, []byte(candidate)); err != nil {
			return ErrInvalidPassword
		}
		return nil
	}
	if subtle.ConstantTimeCompare(v.plain, []byte(candidate)) != 1 {
		return ErrInvalidPassword
	}
	return nil
}
