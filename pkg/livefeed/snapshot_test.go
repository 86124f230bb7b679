package livefeed

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/fortiblox/dagfeed/pkg/kaspad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestBuildSnapshotEmpty(t *testing.T) {
	snap := BuildSnapshot(nil, testNow, DefaultTileLimit, DefaultMassLimit)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"pending": true,
		"capturedAt": "2024-05-01T12:00:00Z",
		"txCount": 0,
		"totalMass": 0,
		"totalFee": 0,
		"feeRateMin": null,
		"feeRateMedian": null,
		"feeRateP90": null,
		"feeRateMax": null,
		"buckets": [],
		"tiles": [],
		"aggregates": {},
		"blockMassLimit": 1000000
	}`, string(data))
}

func TestBuildSnapshotTwoEntries(t *testing.T) {
	entries := []Entry{
		{ID: "a", Fee: 100, Mass: 100, FeeRate: 1.0, InMempool: true},
		{ID: "b", Fee: 400, Mass: 200, FeeRate: 2.0, InMempool: true},
	}
	snap := BuildSnapshot(entries, testNow, DefaultTileLimit, 500_000)

	assert.False(t, snap.Pending)
	assert.Equal(t, 2, snap.TxCount)
	assert.Equal(t, int64(500), snap.TotalFee)
	assert.Equal(t, int64(300), snap.TotalMass)
	assert.Equal(t, int64(500_000), snap.BlockMassLimit)

	require.NotNil(t, snap.FeeRateMin)
	require.NotNil(t, snap.FeeRateMax)
	require.NotNil(t, snap.FeeRateMedian)
	assert.Equal(t, 1.0, *snap.FeeRateMin)
	assert.Equal(t, 2.0, *snap.FeeRateMax)
	assert.Equal(t, 1.5, *snap.FeeRateMedian)

	require.Len(t, snap.Tiles, 2)
	assert.Equal(t, "b", snap.Tiles[0].ID)
	assert.Equal(t, "a", snap.Tiles[1].ID)

	require.Len(t, snap.Buckets, BucketCount)
	assert.Equal(t, 1, snap.Buckets[1].Count)
	assert.Equal(t, int64(100), snap.Buckets[1].Mass)
	assert.Equal(t, 1, snap.Buckets[2].Count)
	assert.Equal(t, int64(400), snap.Buckets[2].Fee)

	require.NotNil(t, snap.Aggregates.RemainingCount)
	assert.Equal(t, 0, *snap.Aggregates.RemainingCount)
	assert.Equal(t, int64(0), *snap.Aggregates.RemainingMass)
}

func TestBuildSnapshotTileOrdering(t *testing.T) {
	entries := []Entry{
		{ID: "c", Fee: 10, Mass: 10, FeeRate: 1, InMempool: true},
		{ID: "a", Fee: 20, Mass: 20, FeeRate: 1, InMempool: true},
		{ID: "b", Fee: 20, Mass: 20, FeeRate: 1, InMempool: false},
		{ID: "d", Fee: 50, Mass: 10, FeeRate: 5, InMempool: true},
	}
	snap := BuildSnapshot(entries, testNow, DefaultTileLimit, DefaultMassLimit)

	ids := make([]string, len(snap.Tiles))
	for i, tile := range snap.Tiles {
		ids[i] = tile.ID
	}
	assert.Equal(t, []string{"d", "a", "b", "c"}, ids)
	assert.True(t, snap.Tiles[2].Confirmed, "entries no longer in the mempool are shown as confirmed")
	assert.False(t, snap.Tiles[0].Confirmed)
}

func TestBuildSnapshotTileLimit(t *testing.T) {
	var entries []Entry
	for i := 0; i < 130; i++ {
		entries = append(entries, Entry{
			ID:        fmt.Sprintf("tx%03d", i),
			Fee:       int64(i + 1),
			Mass:      1,
			FeeRate:   float64(i + 1),
			InMempool: true,
		})
	}
	snap := BuildSnapshot(entries, testNow, DefaultTileLimit, DefaultMassLimit)

	require.Len(t, snap.Tiles, DefaultTileLimit)
	assert.Equal(t, "tx129", snap.Tiles[0].ID)
	assert.Equal(t, 130, snap.TxCount)
	assert.Equal(t, 10, *snap.Aggregates.RemainingCount)
	assert.Equal(t, int64(10), *snap.Aggregates.RemainingMass)

	one := BuildSnapshot(entries, testNow, 0, DefaultMassLimit)
	assert.Len(t, one.Tiles, 1, "the tile limit is at least one")
}

func TestBuildSnapshotStatisticsIncludeConfirmed(t *testing.T) {
	entries := []Entry{
		{ID: "gone", Fee: 1000, Mass: 100, FeeRate: 10, InMempool: false},
		{ID: "live", Fee: 100, Mass: 100, FeeRate: 1, InMempool: true},
	}
	snap := BuildSnapshot(entries, testNow, DefaultTileLimit, DefaultMassLimit)

	assert.Equal(t, 10.0, *snap.FeeRateMax)
	assert.Equal(t, int64(1100), snap.TotalFee)
	assert.Equal(t, 2, snap.TxCount)
}

func TestSnapshotDigestIgnoresCaptureTime(t *testing.T) {
	entries := []Entry{{ID: "a", Fee: 100, Mass: 100, FeeRate: 1, InMempool: true}}

	first, err := SnapshotDigest(BuildSnapshot(entries, testNow, DefaultTileLimit, DefaultMassLimit))
	require.NoError(t, err)
	later, err := SnapshotDigest(BuildSnapshot(entries, testNow.Add(time.Minute), DefaultTileLimit, DefaultMassLimit))
	require.NoError(t, err)
	assert.Equal(t, first, later)

	entries[0].InMempool = false
	changed, err := SnapshotDigest(BuildSnapshot(entries, testNow, DefaultTileLimit, DefaultMassLimit))
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)

	bigger, err := SnapshotDigest(BuildSnapshot(nil, testNow, DefaultTileLimit, 2*DefaultMassLimit))
	require.NoError(t, err)
	empty, err := SnapshotDigest(BuildSnapshot(nil, testNow, DefaultTileLimit, DefaultMassLimit))
	require.NoError(t, err)
	assert.NotEqual(t, empty, bigger, "the mass limit is part of the content")
}

func mempoolEntry(t *testing.T, raw string) kaspad.MempoolEntry {
	t.Helper()
	var e kaspad.MempoolEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	return e
}

func TestNormalize(t *testing.T) {
	raw := []kaspad.MempoolEntry{
		mempoolEntry(t, `{"fee":"400","transaction":{"verboseData":{"transactionId":"b","mass":"200"}}}`),
		mempoolEntry(t, `{"fee":100,"transaction":{"transactionId":"a","verboseData":{"mass":100}}}`),
		mempoolEntry(t, `{"transaction":{"txId":"nofee","verboseData":{"mass":50}}}`),
		mempoolEntry(t, `{"fee":1,"transaction":{"transactionId":"zero","verboseData":{"mass":0}}}`),
		mempoolEntry(t, `{"fee":1,"transaction":{"transactionId":"nomass"}}`),
		mempoolEntry(t, `{"fee":1,"transaction":{"verboseData":{"mass":10}}}`),
		mempoolEntry(t, `{"fee":1}`),
	}

	got := Normalize(raw)
	require.Len(t, got, 3)

	assert.Equal(t, Entry{ID: "b", Fee: 400, Mass: 200, FeeRate: 2}, got[0])
	assert.Equal(t, Entry{ID: "a", Fee: 100, Mass: 100, FeeRate: 1}, got[1])
	assert.Equal(t, Entry{ID: "nofee", Fee: 0, Mass: 50, FeeRate: 0}, got[2])
}
