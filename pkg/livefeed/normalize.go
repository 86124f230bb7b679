package livefeed

import "github.com/fortiblox/dagfeed/pkg/kaspad"

// Normalize converts raw mempool entries into window entries. Entries
// without a positive mass or without any transaction id are dropped. A
// missing fee counts as zero.
func Normalize(raw []kaspad.MempoolEntry) []Entry {
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		mass := r.Transaction.Mass().Or(0)
		if mass <= 0 {
			continue
		}
		id := r.Transaction.Identifier()
		if id == "" {
			continue
		}
		fee := r.Fee.Or(0)
		out = append(out, Entry{
			ID:      id,
			Fee:     fee,
			Mass:    mass,
			FeeRate: float64(fee) / float64(mass),
		})
	}
	return out
}
