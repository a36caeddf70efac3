package histopath

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// RowHash returns the hex-encoded SHA-256 hash of row's JSON encoding. Rows
// with equal columns have equal hashes.
func RowHash(row any) (string, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
