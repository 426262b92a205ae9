// SPDX-License-Identifier: MIT

package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestNewRejectsBadKeys(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"short", "abcd"},
		{"not hex", strings.Repeat("zz", 32)},
		{"wrong length", strings.Repeat("ab", 16)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.key)
			require.ErrorIs(t, err, ErrSecretKey)
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	plaintext := "super-secret-api-key"
	blob, err := v.EncryptString(plaintext)
	require.NoError(t, err)

	assert.Equal(t, byte(0x01), blob[0])
	assert.NotContains(t, string(blob), plaintext)

	got, err := v.DecryptString(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	a, err := v.Encrypt([]byte("same input"))
	require.NoError(t, err)
	b, err := v.Encrypt([]byte("same input"))
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b), "two encryptions of the same plaintext must differ")
}

func TestDecryptWrongKey(t *testing.T) {
	v1, err := New(testKey)
	require.NoError(t, err)
	v2, err := New(strings.Repeat("a1", 32))
	require.NoError(t, err)

	blob, err := v1.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = v2.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptRejectsMalformedBlobs(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	_, err = v.Decrypt(nil)
	require.ErrorIs(t, err, ErrDecryption)

	_, err = v.Decrypt([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrDecryption)

	blob, err := v.Encrypt([]byte("payload"))
	require.NoError(t, err)
	blob[0] = 0x7f
	_, err = v.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	blob, err := v.Encrypt([]byte("payload"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff

	_, err = v.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestEnsureVerifier(t *testing.T) {
	dir := t.TempDir()
	v, err := New(testKey)
	require.NoError(t, err)

	require.NoError(t, v.EnsureVerifier(dir))

	// A second call against the same key verifies the existing file.
	require.NoError(t, v.EnsureVerifier(dir))

	ok, err := v.VerifyKey(dir)
	require.NoError(t, err)
	assert.True(t, ok)

	// A different key must be rejected by the persisted verifier.
	other, err := New(strings.Repeat("a1", 32))
	require.NoError(t, err)
	err = other.EnsureVerifier(dir)
	require.ErrorIs(t, err, ErrKeyMismatch)

	ok, err = other.VerifyKey(dir)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestVerifyKeyMissingFile(t *testing.T) {
	dir := t.TempDir()
	v, err := New(testKey)
	require.NoError(t, err)

	ok, err := v.VerifyKey(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifierFilePermissions(t *testing.T) {
	dir := t.TempDir()
	v, err := New(testKey)
	require.NoError(t, err)
	require.NoError(t, v.EnsureVerifier(dir))

	info, err := os.Stat(filepath.Join(dir, VerifierFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
