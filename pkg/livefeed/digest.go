package livefeed

import (
	"encoding/json"

	"github.com/zeebo/blake3"
)

// Digest identifies the content of a snapshot. Two snapshots that differ
// only in CapturedAt have the same digest.
type Digest [32]byte

// SnapshotDigest hashes the canonical encoding of s with the capture time
// cleared.
func SnapshotDigest(s Snapshot) (Digest, error) {
	s.CapturedAt = ""
	data, err := json.Marshal(s)
	if err != nil {
		return Digest{}, err
	}
	return blake3.Sum256(data), nil
}
