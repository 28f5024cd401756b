package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint is the content address of a query: the lowercase hex SHA-256
// digest of the trimmed SQL text. Two queries that differ by any interior
// byte are distinct; no canonicalization beyond trimming is performed, so the
// fingerprint is trivially reproducible by clients.
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

func (f Fingerprint) Valid() bool {
	if len(f) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(f))
	return err == nil
}

// FingerprintSQL computes the fingerprint of a SQL string. The input is
// trimmed of leading and trailing ASCII whitespace before hashing.
func FingerprintSQL(sql string) Fingerprint {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sql)))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// ParseFingerprint validates that str is a well-formed fingerprint.
func ParseFingerprint(str string) (Fingerprint, error) {
	f := Fingerprint(strings.ToLower(str))
	if !f.Valid() {
		return "", fmt.Errorf("error parsing fingerprint %q: must be 64 hex characters", str)
	}
	return f, nil
}
