package hashchain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	Symbol     string
	Action     string
	Confidence float64
}

func TestSum_Deterministic(t *testing.T) {
	f := fixture{Symbol: "AAPL", Action: "LONG", Confidence: 83.2}

	h1, err := Sum(f)
	require.NoError(t, err)
	h2, err := Sum(f)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // hex-encoded SHA-256
}

func TestSum_DifferentInputsDifferentHashes(t *testing.T) {
	a, err := Sum(fixture{Symbol: "AAPL", Action: "LONG", Confidence: 83.2})
	require.NoError(t, err)
	b, err := Sum(fixture{Symbol: "AAPL", Action: "SHORT", Confidence: 83.2})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func buildChain(t *testing.T, n int) []Link {
	t.Helper()
	rows := make([]Link, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		f := fixture{Symbol: "AAPL", Action: "LONG", Confidence: float64(i)}
		h, err := Sum(f)
		require.NoError(t, err)
		rows = append(rows, Link{ID: string(rune('a' + i)), Hash: h, PrevHash: prev})
		prev = h
	}
	return rows
}

func TestVerify_IntactChain(t *testing.T) {
	rows := buildChain(t, 5)
	lookup := map[string]string{}
	for _, r := range rows {
		lookup[r.ID] = r.Hash
	}

	report, err := Verify(rows, func(id string) (string, error) {
		return lookup[id], nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, 5, report.OK)
	assert.Empty(t, report.Mismatches)
}

func TestVerify_DetectsTamperedRow(t *testing.T) {
	rows := buildChain(t, 5)
	lookup := map[string]string{}
	for _, r := range rows {
		lookup[r.ID] = r.Hash
	}
	// Tamper: row 2's actual recomputed hash no longer matches its stored hash.
	lookup[rows[2].ID] = "deadbeef"

	report, err := Verify(rows, func(id string) (string, error) {
		return lookup[id], nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, 4, report.OK)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, rows[2].ID, report.Mismatches[0].ID)
}

func TestVerify_DetectsBrokenChainLink(t *testing.T) {
	rows := buildChain(t, 3)
	lookup := map[string]string{}
	for _, r := range rows {
		lookup[r.ID] = r.Hash
	}
	// Break the chain by corrupting row 1's recorded prev_hash.
	rows[1].PrevHash = "wrong-prev"

	report, err := Verify(rows, func(id string) (string, error) {
		return lookup[id], nil
	})
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, rows[1].ID, report.Mismatches[0].ID)
}
