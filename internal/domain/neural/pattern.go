// Package neural provides domain types for the SONA continual-learning engine.
package neural

import (
	"time"

	"github.com/google/uuid"
)

// Pattern is a stored embedding plus outcome-quality summary representing a
// previously encountered situation. Patterns are owned by the external
// memory store; the engine only reads and caches derived views.
type Pattern struct {
	// ID is the stable pattern identifier.
	ID string `json:"id"`

	// Embedding is the fixed-length float vector.
	Embedding []float32 `json:"embedding"`

	// SuccessRate is the historical outcome quality (0-1).
	SuccessRate float64 `json:"successRate"`

	// UsageCount is the number of times this pattern was retrieved.
	UsageCount int `json:"usageCount"`

	// CreatedAt is when the pattern was first stored.
	CreatedAt time.Time `json:"createdAt"`
}

// NewPattern creates a pattern with a generated ID.
func NewPattern(embedding []float32, successRate float64) *Pattern {
	return &Pattern{
		ID:          uuid.New().String(),
		Embedding:   embedding,
		SuccessRate: successRate,
		CreatedAt:   time.Now(),
	}
}

// PatternMatch is a transient retrieval result. Confidence blends similarity
// with the pattern's historical success rate.
type PatternMatch struct {
	// Pattern is the matched pattern.
	Pattern *Pattern `json:"pattern"`

	// Similarity is the cosine similarity to the query (-1 to 1).
	Similarity float64 `json:"similarity"`

	// Confidence is the similarity blended with the success rate.
	Confidence float64 `json:"confidence"`

	// LatencyMs is the retrieval latency for the originating call.
	LatencyMs float64 `json:"latencyMs"`
}
