// Package synctoken implements the worker bearer credential. A token is
//
//	<base32(worker uuid bytes)>:<base64url(32 random bytes)>
//
// The 26-character base32 prefix encodes the worker id so the server can
// look up the owning worker without a table scan; the random suffix is the
// actual secret. Only the SHA-256 of the full token is persisted, and
// verification compares hashes in constant time.
package synctoken

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// suffixBytes is the length of the random secret before encoding.
const suffixBytes = 32

// ErrMalformed is returned when a presented token does not have the
// expected <prefix>:<suffix> shape or the prefix does not decode to a UUID.
var ErrMalformed = errors.New("synctoken: malformed token")

var prefixEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generate creates a new token for the given worker and returns the raw
// token (shown to the operator exactly once) together with the hash to
// persist.
func Generate(workerID uuid.UUID) (token, hash string, err error) {
	secret := make([]byte, suffixBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("synctoken: failed to generate secret: %w", err)
	}

	prefix := prefixEncoding.EncodeToString(workerID[:])
	token = prefix + ":" + base64.RawURLEncoding.EncodeToString(secret)
	return token, Hash(token), nil
}

// Hash returns the hex-encoded SHA-256 of the full token, the form stored
// on the worker row.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// WorkerID extracts the worker id encoded in the token prefix without
// verifying the secret. Used to locate the candidate worker row.
func WorkerID(token string) (uuid.UUID, error) {
	prefix, _, ok := strings.Cut(token, ":")
	if !ok {
		return uuid.UUID{}, ErrMalformed
	}

	raw, err := prefixEncoding.DecodeString(strings.ToUpper(prefix))
	if err != nil || len(raw) != 16 {
		return uuid.UUID{}, ErrMalformed
	}

	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.UUID{}, ErrMalformed
	}
	return id, nil
}

// Verify compares the presented token against the stored hash in constant
// time. The comparison runs over the fixed-length hex hashes, so timing
// does not depend on where the values diverge.
func Verify(token, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	computed := Hash(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
