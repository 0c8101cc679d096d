// Package search runs queries against retrieval stores and fuses ranked result lists.
package search

import (
	"sort"

	"github.com/hyperjump/ragwire/internal/ragstore"
)

// DefaultRRFConstant is the k of reciprocal rank fusion.
const DefaultRRFConstant = ragstore.DefaultRRFConstant

// QueryResult is the ranked answer of one query.
type QueryResult struct {
	Query string
	Items []ragstore.Item
}

// Fuse merges per-query result lists with reciprocal rank fusion. Each appearance of an item at
// 0-based rank r adds 1/(k+r+1) to its score; the last seen copy of an item is kept. Results
// are sorted by score, ties by id, and truncated to the length of the first list. Items
// without an id are skipped.
func Fuse(results []QueryResult, k int) []ragstore.Item {
	if len(results) == 0 {
		return []ragstore.Item{}
	}
	if k <= 0 {
		k = DefaultRRFConstant
	}
	scores := make(map[string]float64)
	latest := make(map[string]ragstore.Item)
	for _, r := range results {
		for rank, item := range r.Items {
			id := item.ID()
			if id == "" {
				continue
			}
			scores[id] += 1.0 / float64(k+rank+1)
			latest[id] = item
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
	if limit := len(results[0].Items); len(ids) > limit {
		ids = ids[:limit]
	}

	fused := make([]ragstore.Item, 0, len(ids))
	for _, id := range ids {
		item := latest[id]
		item.RankScore = scores[id]
		fused = append(fused, item)
	}
	return fused
}
