package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt ignores input past 72 bytes.
const maxPasswordBytes = 72

var ErrPasswordTooLong = errors.New("password must be at most 72 bytes")

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches a bcrypt hash.
func CheckPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// PasswordPolicy describes the password rules enforced at registration.
type PasswordPolicy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
}

// BasicPolicy only requires a non-trivial length.
var BasicPolicy = PasswordPolicy{MinLength: 5}

// StrictPolicy is the mixed-character policy.
var StrictPolicy = PasswordPolicy{
	MinLength:      12,
	RequireUpper:   true,
	RequireLower:   true,
	RequireDigit:   true,
	RequireSpecial: true,
}

// PolicyByName maps a config value (basic|strict) to a policy.
func PolicyByName(name string) (PasswordPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "basic":
		return BasicPolicy, nil
	case "strict":
		return StrictPolicy, nil
	default:
		return PasswordPolicy{}, fmt.Errorf("unknown password policy %q", name)
	}
}

// Validate checks password against the policy.
func (p PasswordPolicy) Validate(password string) error {
	if len(password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	if len([]rune(password)) < p.MinLength {
		return fmt.Errorf("password must be at least %d characters", p.MinLength)
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	switch {
	case p.RequireUpper && !upper:
		return errors.New("password must contain an uppercase letter")
	case p.RequireLower && !lower:
		return errors.New("password must contain a lowercase letter")
	case p.RequireDigit && !digit:
		return errors.New("password must contain a digit")
	case p.RequireSpecial && !special:
		return errors.New("password must contain a special character")
	}
	return nil
}

// ValidatePassword applies StrictPolicy.
func ValidatePassword(password string) error {
	return StrictPolicy.Validate(password)
}
