package engine

import (
	"hash/fnv"
	"sort"
)

const splitBuckets = 10000

// splitBucket maps a (player, scenario) pair onto a stable bucket in
// [0, splitBuckets). The same pair always lands in the same bucket, so
// re-evaluating a split is reproducible.
func splitBucket(playerID, scenarioID string) int {
	h := fnv.New32a()
	h.Write([]byte(playerID))
	h.Write([]byte{'|'})
	h.Write([]byte(scenarioID))
	return int(h.Sum32() % splitBuckets)
}

// chooseSplitHandle picks the branch for the pair by comparing its
// bucket against cumulative weight thresholds. Handles are walked in
// sorted order so the assignment does not depend on map iteration.
func chooseSplitHandle(weights map[string]float64, playerID, scenarioID string) string {
	handles := make([]string, 0, len(weights))
	var total float64
	for h, w := range weights {
		handles = append(handles, h)
		total += w
	}
	sort.Strings(handles)
	if len(handles) == 0 || total <= 0 {
		return ""
	}

	bucket := float64(splitBucket(playerID, scenarioID))
	var cum float64
	for _, h := range handles {
		cum += weights[h] / total * splitBuckets
		if bucket < cum {
			return h
		}
	}
	return handles[len(handles)-1]
}
