package agent

import (
	"sort"

	"github.com/mfenderov/specialist/internal/chunker"
	"github.com/mfenderov/specialist/pkg/models"
)

// Rank returns hits ordered best first after adding boost to every hit whose
// module matches module. A general or empty module boosts nothing. Ties are
// broken by chunk id so the order is reproducible.
func Rank(hits []models.ScoredChunk, module models.Module, boost float64) []models.ScoredChunk {
	ranked := make([]models.ScoredChunk, len(hits))
	copy(ranked, hits)

	if module != "" && module != models.ModuleGeneral && boost != 0 {
		for i := range ranked {
			if ranked[i].Chunk.ModuleHint == module {
				ranked[i].Score += boost
			}
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Chunk.ChunkID < ranked[j].Chunk.ChunkID
	})
	return ranked
}

// Assemble keeps the longest prefix of ranked whose token total fits budget.
// It stops at the first chunk that would overflow, even if a later, smaller
// chunk would still fit.
func Assemble(ranked []models.ScoredChunk, budget int) models.RetrievalResult {
	result := models.RetrievalResult{Budget: budget, Chunks: []models.ScoredChunk{}}
	for i, hit := range ranked {
		tokens := chunkTokens(hit.Chunk)
		if result.TotalTokens+tokens > budget {
			result.Dropped = len(ranked) - i
			break
		}
		result.Chunks = append(result.Chunks, hit)
		result.TotalTokens += tokens
	}
	return result
}

func chunkTokens(c models.Chunk) int {
	if c.TokenCount > 0 {
		return c.TokenCount
	}
	return chunker.EstimateTokens(c.Text)
}
