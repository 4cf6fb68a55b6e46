package retrieval

import (
	"sort"

	"github.com/brunobiangulo/finsight/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// FusedResultInfo holds per-result method contribution metadata.
type FusedResultInfo struct {
	Methods      []string `json:"methods"`
	SemanticRank int      `json:"semantic_rank,omitempty"` // 1-based, 0 = not present
	KeywordRank  int      `json:"keyword_rank,omitempty"`  // 1-based, 0 = not present
}

// fuseRRF implements Reciprocal Rank Fusion to combine semantic and
// keyword results. Each result set is ranked independently, then scores
// are combined using: score = sum(weight_i / (k + rank_i)). The semantic
// list gets weight alpha, the keyword list (1 - alpha). Ties are broken
// by chunk ID so fusion is deterministic.
// Also returns per-result method contribution info keyed by ChunkID.
func fuseRRF(
	semanticResults, keywordResults []store.RetrievalResult,
	alpha float64,
	maxResults int,
) ([]store.RetrievalResult, map[int64]FusedResultInfo) {
	type fusedEntry struct {
		result store.RetrievalResult
		score  float64
		info   FusedResultInfo
	}

	fused := make(map[int64]*fusedEntry)

	for rank, r := range semanticResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += alpha / float64(rrfK+rank+1)
		entry.info.Methods = append(entry.info.Methods, "semantic")
		entry.info.SemanticRank = rank + 1
	}

	for rank, r := range keywordResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += (1 - alpha) / float64(rrfK+rank+1)
		entry.info.Methods = append(entry.info.Methods, "keyword")
		entry.info.KeywordRank = rank + 1
	}

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].result.ChunkID < entries[j].result.ChunkID
	})

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]store.RetrievalResult, len(entries))
	infoMap := make(map[int64]FusedResultInfo, len(entries))
	for i, e := range entries {
		results[i] = e.result
		results[i].Score = e.score
		infoMap[e.result.ChunkID] = e.info
	}

	return results, infoMap
}
