// Package hashutil implements the canonical-JSON hashing convention shared
// by block hashing and coinbase txid derivation: marshal to JSON with
// object keys sorted lexicographically, then SHA-256 the result as hex.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/jolovicdev/kaidos/chain/types"
)

// CanonicalHash hashes v's canonical JSON encoding (keys sorted
// lexicographically at every object level).
func CanonicalHash(v interface{}) string {
	raw, _ := json.Marshal(v)
	var generic interface{}
	_ = json.Unmarshal(raw, &generic)
	sorted, _ := json.Marshal(sortKeys(generic))
	sum := sha256.Sum256(sorted)
	return hex.EncodeToString(sum[:])
}

func sortKeys(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(val))
		for _, k := range keys {
			ordered[k] = sortKeys(val[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return val
	}
}

// BlockHash computes SHA-256 over the canonical JSON of the block's
// hash-relevant fields: index, merkle_root, previous_hash, timestamp,
// nonce, miner_address.
func BlockHash(b types.Block) string {
	return CanonicalHash(map[string]interface{}{
		"index":         b.Index,
		"merkle_root":   b.MerkleRoot,
		"previous_hash": b.PreviousHash,
		"timestamp":     b.Timestamp,
		"nonce":         b.Nonce,
		"miner_address": b.MinerAddress,
	})
}
