package ragstore

import "sort"

// DefaultRRFConstant is the k of reciprocal rank fusion.
const DefaultRRFConstant = 60

// HybridRRF fuses ranked sources with 1-based reciprocal rank fusion: an item scores
// sum(1/(k+rank)) over the sources it appears in. The first occurrence of an id keeps its
// content and attributes. The result is sorted by score, then id, and truncated to n.
func HybridRRF(k, n int, sources ...[]Item) []Item {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	scores := make(map[string]float64)
	items := make(map[string]Item)
	for _, source := range sources {
		for rank, item := range source {
			id := item.ID()
			if id == "" {
				continue
			}
			scores[id] += 1.0 / float64(k+rank+1)
			if _, seen := items[id]; !seen {
				items[id] = item
			}
		}
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if n >= 0 && len(ids) > n {
		ids = ids[:n]
	}

	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		item := items[id]
		item.RankScore = scores[id]
		out = append(out, item)
	}
	return out
}
