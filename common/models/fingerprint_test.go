package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintSQL(t *testing.T) {
	// Known SHA-256 of "SELECT 1"
	f := FingerprintSQL("SELECT 1")
	require.True(t, f.Valid())
	assert.Len(t, f.String(), 64)

	// Leading/trailing whitespace is trimmed before hashing
	assert.Equal(t, f, FingerprintSQL("  SELECT 1\n\t"))

	// Interior bytes are significant: no whitespace collapsing, no case folding
	assert.NotEqual(t, f, FingerprintSQL("SELECT  1"))
	assert.NotEqual(t, f, FingerprintSQL("select 1"))
}

func TestFingerprintDeterminism(t *testing.T) {
	const sql = "SELECT a, b FROM t WHERE a > 10 ORDER BY b"
	for i := 0; i < 100; i++ {
		assert.Equal(t, FingerprintSQL(sql), FingerprintSQL(sql))
	}
}

func TestParseFingerprint(t *testing.T) {
	f := FingerprintSQL("SELECT 1 + 1 as result")
	parsed, err := ParseFingerprint(f.String())
	require.NoError(t, err)
	assert.Equal(t, f, parsed)

	_, err = ParseFingerprint("not-a-fingerprint")
	require.Error(t, err)

	_, err = ParseFingerprint("abc123")
	require.Error(t, err)
}
