// Package canonhash produces the canonical SHA-256 digests used to bind
// AP2 mandates together. The canonical form is compact JSON with object
// keys sorted lexicographically at every nesting level, which is what
// encoding/json emits for map values.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalSHA256 marshals v to canonical JSON and returns the lowercase
// hex SHA-256 of those bytes, plus the bytes themselves. Callers that need
// order-independence must pass map-based payloads, not structs.
func CanonicalSHA256(v any) (hexHash string, bytes []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}
