package auth

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// HashPassword produces the credential verifier stored on the user row.
func HashPassword(plain string) (string, error) {
	if len(plain) < 8 {
		return "", core.E(core.KindInvalid, "password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", core.Wrap(core.KindInternal, "hash password", err)
	}
	return string(hash), nil
}

// CheckPassword verifies a plaintext candidate against the stored hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
