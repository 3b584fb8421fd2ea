package identity

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is a valid bcrypt hash of random bytes that match no credential.
// Comparing against it keeps the missing-record path as expensive as the
// wrong-secret path, so response timing does not reveal whether an email or
// client id exists.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashSecret hashes a password or client secret using bcrypt.
func HashSecret(secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret compares candidate against storedHash in constant work.
// An empty storedHash means no record exists: the comparison still runs,
// against dummyHash, and the result is forced false.
func VerifySecret(candidate, storedHash string) bool {
	hash := storedHash
	absent := hash == ""
	if absent {
		hash = dummyHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate))
	return err == nil && !absent
}
