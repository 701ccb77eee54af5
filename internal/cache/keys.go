package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// keyHashLen is the number of lowercase hex characters retained from the
// SHA-256 digest of the canonical request form.
const keyHashLen = 32

// BuildKey derives a deterministic cache key from the request descriptor.
//
// The inputs are serialized to a stable JSON form — params as a JSON object
// (keys sorted by encoding/json), body verbatim — then SHA-256 hashed and
// truncated. Two semantically identical requests produce identical keys
// regardless of the iteration order of the params map.
func BuildKey(namespace, method, url string, params map[string]string, body []byte) string {
	data, _ := json.Marshal(struct {
		M string            `json:"m"`
		U string            `json:"u"`
		P map[string]string `json:"p"`
		B string            `json:"b"`
	}{
		M: method,
		U: url,
		P: params,
		B: string(body),
	})
	h := sha256.Sum256(data)
	return namespace + ":" + hex.EncodeToString(h[:])[:keyHashLen]
}
