// SPDX-License-Identifier: MIT

package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// verifierPlaintext is the fixed probe encrypted into the verifier file. At
// restore time, decrypting it proves the configured key matches the one the
// stored ciphertexts were produced under.
const verifierPlaintext = "sweeparr-key-verifier"

// VerifierFileName is the on-disk name of the verifier blob in the data dir.
const VerifierFileName = "vault.verifier"

// ErrKeyMismatch indicates the verifier file exists but was written under a
// different secret key.
var ErrKeyMismatch = errors.New("vault: verifier does not match configured secret key")

// EnsureVerifier writes the verifier blob into dataDir if absent, then checks
// it against the configured key. The write is atomic so a crash never leaves
// a truncated verifier behind.
func (v *Vault) EnsureVerifier(dataDir string) error {
	path := filepath.Join(dataDir, VerifierFileName)

	blob, err := os.ReadFile(path) // #nosec G304 -- path is under the operator data dir
	switch {
	case err == nil:
		return v.checkVerifier(blob)
	case os.IsNotExist(err):
		blob, err = v.Encrypt([]byte(verifierPlaintext))
		if err != nil {
			return err
		}
		if err := renameio.WriteFile(path, blob, 0o600); err != nil {
			return fmt.Errorf("vault: write verifier: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("vault: read verifier: %w", err)
	}
}

// VerifyKey checks the persisted verifier against the configured key.
// A missing verifier is not an error; it simply proves nothing.
func (v *Vault) VerifyKey(dataDir string) (bool, error) {
	blob, err := os.ReadFile(filepath.Join(dataDir, VerifierFileName)) // #nosec G304
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vault: read verifier: %w", err)
	}
	if err := v.checkVerifier(blob); err != nil {
		return false, err
	}
	return true, nil
}

func (v *Vault) checkVerifier(blob []byte) error {
	plain, err := v.Decrypt(blob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	if string(plain) != verifierPlaintext {
		return ErrKeyMismatch
	}
	return nil
}
