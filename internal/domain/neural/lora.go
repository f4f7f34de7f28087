// Package neural provides domain types for the SONA continual-learning engine.
package neural

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ModuleID identifies an attention projection module targeted by a LoRA
// adapter. A closed enum replaces string-keyed module maps so that module
// lookups are typo-proof and weights pack into fixed-size arrays.
type ModuleID int

const (
	// ModuleQProj is the query projection.
	ModuleQProj ModuleID = iota
	// ModuleKProj is the key projection.
	ModuleKProj
	// ModuleVProj is the value projection.
	ModuleVProj
	// ModuleOProj is the output projection.
	ModuleOProj

	// ModuleCount is the number of adapter modules.
	ModuleCount
)

// String returns the canonical module name.
func (m ModuleID) String() string {
	switch m {
	case ModuleQProj:
		return "q_proj"
	case ModuleKProj:
		return "k_proj"
	case ModuleVProj:
		return "v_proj"
	case ModuleOProj:
		return "o_proj"
	default:
		return fmt.Sprintf("module(%d)", int(m))
	}
}

// AllModules returns every adapter module in declaration order.
func AllModules() []ModuleID {
	return []ModuleID{ModuleQProj, ModuleKProj, ModuleVProj, ModuleOProj}
}

// LoRAWeights holds one low-rank adapter per attention module as flat
// matrices. Invariant: len(A[m]) == Dim*Rank and len(B[m]) == Rank*Dim
// for every module m.
type LoRAWeights struct {
	// Dim is the embedding dimension.
	Dim int `json:"dim"`

	// Rank is the adapter rank.
	Rank int `json:"rank"`

	// A holds the down-projection matrices (Dim x Rank, row-major).
	A [ModuleCount][]float64 `json:"a"`

	// B holds the up-projection matrices (Rank x Dim, row-major).
	B [ModuleCount][]float64 `json:"b"`
}

// NewLoRAWeights creates adapter weights for the given dimension and rank.
// A uses Xavier-style initialization; B starts near zero so the adapter
// initially behaves as an identity update.
func NewLoRAWeights(dim, rank int) *LoRAWeights {
	if dim <= 0 || rank <= 0 {
		return &LoRAWeights{Dim: dim, Rank: rank}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	scale := math.Sqrt(2.0 / float64(dim))

	w := &LoRAWeights{Dim: dim, Rank: rank}
	for m := ModuleID(0); m < ModuleCount; m++ {
		a := make([]float64, dim*rank)
		for i := range a {
			a[i] = (rng.Float64() - 0.5) * scale
		}
		b := make([]float64, rank*dim)
		for i := range b {
			b[i] = (rng.Float64() - 0.5) * scale * 0.01
		}
		w.A[m] = a
		w.B[m] = b
	}
	return w
}

// Validate checks the flat-matrix length invariants.
func (w *LoRAWeights) Validate() error {
	for m := ModuleID(0); m < ModuleCount; m++ {
		if len(w.A[m]) != w.Dim*w.Rank {
			return fmt.Errorf("lora weights: module %s matrix A has %d elements, want %d",
				m, len(w.A[m]), w.Dim*w.Rank)
		}
		if len(w.B[m]) != w.Rank*w.Dim {
			return fmt.Errorf("lora weights: module %s matrix B has %d elements, want %d",
				m, len(w.B[m]), w.Rank*w.Dim)
		}
	}
	return nil
}
