// Copyright 2026 The Keylease Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// daemonKeyFile is the name of the unencrypted daemon key inside a
// state directory. Daemons run unattended and cannot prompt for a
// passphrase; the state directory's permissions are the boundary.
const daemonKeyFile = "identity-key"

// WriteSealed writes the identity's seed to path, encrypted with an
// age scrypt recipient derived from passphrase. The file is created
// with 0600 permissions. Used for operator identities, which are
// unlocked interactively.
func WriteSealed(path string, id *Identity, passphrase string) error {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("identity: deriving key file recipient: %w", err)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("identity: creating encryptor: %w", err)
	}
	seed := id.Seed()
	_, writeErr := writer.Write(seed)
	zero(seed)
	if writeErr != nil {
		return fmt.Errorf("identity: encrypting seed: %w", writeErr)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("identity: finalizing encryption: %w", err)
	}

	if err := os.WriteFile(path, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("identity: writing key file: %w", err)
	}
	return nil
}

// ReadSealed loads an identity from an age-encrypted key file written
// by WriteSealed.
func ReadSealed(path string, passphrase string) (*Identity, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: reading key file: %w", err)
	}

	scryptIdentity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("identity: deriving key file identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(sealed), scryptIdentity)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypting key file: %w", err)
	}
	seed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("identity: reading decrypted seed: %w", err)
	}
	defer zero(seed)

	id, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// LoadOrGenerate loads the daemon identity from stateDir, generating
// and saving a fresh one if no key file exists. Returns the identity
// and whether it was newly generated. A key file that exists but
// cannot be loaded is an error, not a trigger for regeneration —
// silently replacing a daemon's identity would orphan every lease
// issued under it.
func LoadOrGenerate(stateDir string) (*Identity, bool, error) {
	path := filepath.Join(stateDir, daemonKeyFile)

	seed, err := os.ReadFile(path)
	if err == nil {
		defer zero(seed)
		id, err := FromSeed(seed)
		if err != nil {
			return nil, false, fmt.Errorf("identity: corrupt key file %s: %w", path, err)
		}
		return id, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("identity: reading key file: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, false, err
	}
	seed = id.Seed()
	writeErr := os.WriteFile(path, seed, 0600)
	zero(seed)
	if writeErr != nil {
		return nil, false, fmt.Errorf("identity: writing key file: %w", writeErr)
	}
	return id, true, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
