package livefeed

// bucketEdges are the lower bounds of the fee-rate histogram buckets. Each
// bucket is half-open [edge[i], edge[i+1]); the last one has no upper bound.
var bucketEdges = [...]float64{0, 1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000}

// BucketCount is the number of fee-rate buckets.
const BucketCount = len(bucketEdges)

// BucketFor returns the index of the bucket holding rate. Rates below the
// first edge fall into the last bucket.
func BucketFor(rate float64) int {
	for i, lo := range bucketEdges {
		if i == BucketCount-1 {
			if rate >= lo {
				return i
			}
			break
		}
		if rate >= lo && rate < bucketEdges[i+1] {
			return i
		}
	}
	return BucketCount - 1
}

// newBuckets returns an empty histogram.
func newBuckets() []Bucket {
	out := make([]Bucket, BucketCount)
	for i, lo := range bucketEdges {
		out[i].Min = lo
		if i < BucketCount-1 {
			hi := bucketEdges[i+1]
			out[i].Max = &hi
		}
	}
	return out
}
