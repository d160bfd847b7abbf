package vmcontext

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	crypt "github.com/amoghe/go-crypt"
)

// PermissionToken seals a PermissionSet behind a crypt(3)-style password
// hash: it verifies that whoever is requesting a context be created with a
// given PermissionSet actually holds the secret authorizing it, rather
// than a child context being able to self-escalate by simply asking for
// more bits. A zero-value PermissionToken (empty Hash) imposes no secret
// check.
type PermissionToken struct {
	Hash string
}

// SealPermissionToken generates a random salt and crypt-hashes secret,
// producing the token a later PermissionSet grant must Verify against.
func SealPermissionToken(secret string) (PermissionToken, error) {
	salt, err := randomSalt()
	if err != nil {
		return PermissionToken{}, err
	}
	hash, err := crypt.Crypt(secret, salt)
	if err != nil {
		return PermissionToken{}, fmt.Errorf("vmcontext: sealing permission token: %w", err)
	}
	return PermissionToken{Hash: hash}, nil
}

// Verify reports whether secret matches the sealed token. An empty token
// (no secret configured) always verifies, so unprivileged contexts don't
// need to thread a dummy secret through New.
func (t PermissionToken) Verify(secret string) bool {
	if t.Hash == "" {
		return true
	}
	hash, err := crypt.Crypt(secret, t.Hash)
	if err != nil {
		return false
	}
	return hash == t.Hash
}

func randomSalt() (string, error) {
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "$6$" + base64.RawStdEncoding.EncodeToString(raw)[:8], nil
}
