package relay

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
)

// SQL backends store the snapshot as one row per bucket: a meta bucket for
// counters plus one bucket per device. Only buckets whose payload changed
// since the last successful save are written.
const (
	metaBucket         = "meta"
	deviceBucketPrefix = "device:"
)

type snapshotMeta struct {
	RevCounter uint64 `json:"revCounter"`
}

func splitSnapshot(state *persistedState) (map[string][]byte, error) {
	buckets := make(map[string][]byte, len(state.Devices)+1)
	meta, err := json.Marshal(snapshotMeta{RevCounter: state.RevCounter})
	if err != nil {
		return nil, err
	}
	buckets[metaBucket] = meta
	for deviceID, ds := range state.Devices {
		if ds == nil {
			continue
		}
		data, err := json.Marshal(ds)
		if err != nil {
			return nil, fmt.Errorf("encode device %s: %w", deviceID, err)
		}
		buckets[deviceBucketPrefix+deviceID] = data
	}
	return buckets, nil
}

func joinSnapshot(buckets map[string][]byte) (*persistedState, error) {
	if len(buckets) == 0 {
		return nil, nil
	}
	state := &persistedState{Devices: map[string]*deviceState{}}
	for bucket, payload := range buckets {
		switch {
		case bucket == metaBucket:
			var meta snapshotMeta
			if err := json.Unmarshal(payload, &meta); err != nil {
				return nil, fmt.Errorf("decode meta: %w", err)
			}
			state.RevCounter = meta.RevCounter
		case strings.HasPrefix(bucket, deviceBucketPrefix):
			var ds deviceState
			if err := json.Unmarshal(payload, &ds); err != nil {
				return nil, fmt.Errorf("decode %s: %w", bucket, err)
			}
			state.Devices[strings.TrimPrefix(bucket, deviceBucketPrefix)] = &ds
		}
	}
	return state, nil
}

// bucketTracker remembers payload checksums of the last committed save.
type bucketTracker struct {
	mu   sync.Mutex
	sums map[string]uint64
}

func newBucketTracker() *bucketTracker {
	return &bucketTracker{sums: map[string]uint64{}}
}

// diff returns the buckets to upsert and the bucket names to delete.
func (t *bucketTracker) diff(buckets map[string][]byte) (map[string][]byte, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := make(map[string][]byte)
	for bucket, payload := range buckets {
		if sum, ok := t.sums[bucket]; ok && sum == checksum(payload) {
			continue
		}
		changed[bucket] = payload
	}
	removed := make([]string, 0)
	for bucket := range t.sums {
		if _, ok := buckets[bucket]; !ok {
			removed = append(removed, bucket)
		}
	}
	sort.Strings(removed)
	return changed, removed
}

func (t *bucketTracker) commit(buckets map[string][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sums := make(map[string]uint64, len(buckets))
	for bucket, payload := range buckets {
		sums[bucket] = checksum(payload)
	}
	t.sums = sums
}

func checksum(payload []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(payload)
	return h.Sum64()
}

func sortedBuckets(buckets map[string][]byte) []string {
	names := make([]string, 0, len(buckets))
	for bucket := range buckets {
		names = append(names, bucket)
	}
	sort.Strings(names)
	return names
}
