package livefeed

import (
	"sort"
	"time"
)

// Bucket is one fee-rate histogram bucket. Max is nil for the open-ended
// last bucket.
type Bucket struct {
	Min   float64  `json:"min"`
	Max   *float64 `json:"max"`
	Count int      `json:"count"`
	Mass  int64    `json:"mass"`
	Fee   int64    `json:"fee"`
}

// Tile is one transaction in the visual block preview. Confirmed is set
// once the transaction left the mempool but is still inside the window.
type Tile struct {
	ID        string  `json:"id"`
	Fee       int64   `json:"fee"`
	Mass      int64   `json:"mass"`
	FeeRate   float64 `json:"feeRate"`
	Confirmed bool    `json:"confirmed"`
}

// Aggregates summarises the window beyond the tiles. All fields are absent
// on a pending snapshot, which encodes as {}.
type Aggregates struct {
	RemainingCount *int     `json:"remainingCount,omitempty"`
	RemainingMass  *int64   `json:"remainingMass,omitempty"`
	FeeRateMin     *float64 `json:"feeRateMin,omitempty"`
	FeeRateMedian  *float64 `json:"feeRateMedian,omitempty"`
	FeeRateP90     *float64 `json:"feeRateP90,omitempty"`
	FeeRateMax     *float64 `json:"feeRateMax,omitempty"`
}

// Snapshot is the mempool-live payload.
type Snapshot struct {
	Pending        bool       `json:"pending"`
	CapturedAt     string     `json:"capturedAt"`
	TxCount        int        `json:"txCount"`
	TotalMass      int64      `json:"totalMass"`
	TotalFee       int64      `json:"totalFee"`
	FeeRateMin     *float64   `json:"feeRateMin"`
	FeeRateMedian  *float64   `json:"feeRateMedian"`
	FeeRateP90     *float64   `json:"feeRateP90"`
	FeeRateMax     *float64   `json:"feeRateMax"`
	Buckets        []Bucket   `json:"buckets"`
	Tiles          []Tile     `json:"tiles"`
	Aggregates     Aggregates `json:"aggregates"`
	BlockMassLimit int64      `json:"blockMassLimit"`
}

// BuildSnapshot derives a snapshot from the window entries. tileLimit caps
// the number of tiles and is raised to at least one.
func BuildSnapshot(entries []Entry, now time.Time, tileLimit int, massLimit int64) Snapshot {
	snap := Snapshot{
		Pending:        true,
		CapturedAt:     now.UTC().Format(time.RFC3339Nano),
		Buckets:        []Bucket{},
		Tiles:          []Tile{},
		BlockMassLimit: massLimit,
	}
	if len(entries) == 0 {
		return snap
	}

	buckets := newBuckets()
	rates := make([]float64, 0, len(entries))
	tiles := make([]Tile, 0, len(entries))
	var totalFee, totalMass int64

	for _, e := range entries {
		if e.Mass <= 0 {
			continue
		}
		rates = append(rates, e.FeeRate)
		totalFee += e.Fee
		totalMass += e.Mass
		tiles = append(tiles, Tile{
			ID:        e.ID,
			Fee:       e.Fee,
			Mass:      e.Mass,
			FeeRate:   e.FeeRate,
			Confirmed: !e.InMempool,
		})

		b := &buckets[BucketFor(e.FeeRate)]
		b.Count++
		b.Mass += e.Mass
		b.Fee += e.Fee
	}

	if totalMass <= 0 {
		snap.Buckets = buckets
		return snap
	}

	sort.Slice(tiles, func(i, j int) bool {
		a, b := tiles[i], tiles[j]
		if a.FeeRate != b.FeeRate {
			return a.FeeRate > b.FeeRate
		}
		if a.Mass != b.Mass {
			return a.Mass > b.Mass
		}
		return a.ID < b.ID
	})

	shown := tiles
	if tileLimit < 1 {
		tileLimit = 1
	}
	if len(shown) > tileLimit {
		shown = shown[:tileLimit]
	}
	var shownMass int64
	for _, t := range shown {
		shownMass += t.Mass
	}

	minRate := percentileOf(rates, 0)
	median := percentileOf(rates, 50)
	p90 := percentileOf(rates, 90)
	maxRate := percentileOf(rates, 100)
	remainingCount := len(tiles) - len(shown)
	remainingMass := max(0, totalMass-shownMass)

	snap.Pending = false
	snap.TxCount = len(entries)
	snap.TotalMass = totalMass
	snap.TotalFee = totalFee
	snap.FeeRateMin = minRate
	snap.FeeRateMedian = median
	snap.FeeRateP90 = p90
	snap.FeeRateMax = maxRate
	snap.Buckets = buckets
	snap.Tiles = shown
	snap.Aggregates = Aggregates{
		RemainingCount: &remainingCount,
		RemainingMass:  &remainingMass,
		FeeRateMin:     minRate,
		FeeRateMedian:  median,
		FeeRateP90:     p90,
		FeeRateMax:     maxRate,
	}
	return snap
}

func percentileOf(values []float64, p float64) *float64 {
	v, ok := Percentile(values, p)
	if !ok {
		return nil
	}
	return &v
}
