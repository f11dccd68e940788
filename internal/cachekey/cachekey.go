// Package cachekey derives the result-cache key shared by the intake
// dispatcher (C10, cache lookup before queuing) and the execution worker
// (C8, cache population after a successful run). Both need the exact same
// derivation or a hit in one direction would never be a hit in the other.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Of is a stable hash of (question text, sorted parameters), per the
// CacheEntry invariant (§3: "hash(expanded_text, known-parameters)").
// Parameters are marshaled with sorted keys so the same parameter set
// hashes identically regardless of map iteration order.
func Of(question string, parameters map[string]any) string {
	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := make([]struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	}, len(names))
	for i, name := range names {
		ordered[i].Name = name
		ordered[i].Value = parameters[name]
	}

	payload, _ := json.Marshal(struct {
		Question   string `json:"question"`
		Parameters any    `json:"parameters"`
	}{Question: question, Parameters: ordered})

	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}
