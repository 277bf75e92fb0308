package hashaudit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON re-encodes a JSON document with sorted object keys, no
// insignificant whitespace and numbers kept verbatim.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonicalize: trailing data after JSON value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ContentHash is the hex SHA-256 of the canonical form of a resource.
func ContentHash(raw []byte) (string, error) {
	canon, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	return sha256Hex(canon), nil
}

// LinkHash derives a chain hash from the content hash and its predecessor.
// The genesis link uses an empty previous hash.
func LinkHash(contentHash, previousHash string) string {
	return sha256Hex([]byte(contentHash + previousHash))
}

// MerkleRoot folds hex hashes pairwise into a single root. An odd node is
// paired with itself. The root of an empty list is "".
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	level := append([]string(nil), hashes...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, sha256Hex([]byte(level[i]+right)))
		}
		level = next
	}
	return level[0]
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashPrefix(h *string) string {
	if h == nil {
		return ""
	}
	if len(*h) > 16 {
		return (*h)[:16]
	}
	return *h
}
