// Package hashchain computes and verifies the SHA-256 hash chain shared by
// the Signal Store (spec §4.6) and the Audit Log (spec §4.7). Both persist
// append-only, tamper-evident rows that chain to the previous row's hash;
// this package gives them one canonical serialization and one verification
// routine instead of two divergent implementations.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sum returns the hex-encoded SHA-256 digest of the canonical JSON encoding
// of fields. fields must exclude the row's own hash, its prev-hash, and any
// mutable fields (e.g. a signal's outcome columns) — callers build that
// subset themselves before calling Sum, the way the teacher's audit.go
// JSON-marshals metadata before persisting it.
func Sum(fields any) (string, error) {
	canonical, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("hashchain: canonicalize: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// Link is one row's position in a hash chain: its own hash and the hash of
// the row that preceded it in insertion order.
type Link struct {
	ID       string
	Hash     string
	PrevHash string
}

// Mismatch describes a single broken link found during verification.
type Mismatch struct {
	ID           string
	ExpectedHash string
	ActualHash   string
}

// Report is the result of verifying a contiguous range of a chain (spec
// §4.6's verify_integrity output).
type Report struct {
	Checked    int
	OK         int
	Mismatches []Mismatch
}

// Verify walks rows in insertion order, recomputing each row's hash via
// recompute and checking that row[i].PrevHash equals row[i-1].Hash. The
// first row's PrevHash is expected to be empty.
func Verify(rows []Link, recompute func(id string) (string, error)) (Report, error) {
	report := Report{}
	prevHash := ""

	for _, row := range rows {
		report.Checked++

		actual, err := recompute(row.ID)
		if err != nil {
			return report, fmt.Errorf("hashchain: recompute %s: %w", row.ID, err)
		}

		chainOK := row.PrevHash == prevHash
		hashOK := actual == row.Hash

		if chainOK && hashOK {
			report.OK++
		} else {
			report.Mismatches = append(report.Mismatches, Mismatch{
				ID:           row.ID,
				ExpectedHash: row.Hash,
				ActualHash:   actual,
			})
		}

		prevHash = row.Hash
	}

	return report, nil
}
