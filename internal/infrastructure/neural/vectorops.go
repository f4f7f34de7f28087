// Package neural implements the SONA mode engines and their numeric primitives.
package neural

import (
	"errors"
	"math"
)

// ErrDimensionMismatch is returned when vector or matrix dimensions are
// inconsistent with the configured embedding dimension and rank.
var ErrDimensionMismatch = errors.New("neural: dimension mismatch")

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns 0 for mismatched lengths or zero-norm inputs; otherwise a value
// in [-1, 1] where 1 means identical direction. The inner loop processes
// elements in groups of four for cache locality.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	i := 0
	for ; i+4 <= len(a); i += 4 {
		a0, a1, a2, a3 := float64(a[i]), float64(a[i+1]), float64(a[i+2]), float64(a[i+3])
		b0, b1, b2, b3 := float64(b[i]), float64(b[i+1]), float64(b[i+2]), float64(b[i+3])
		dot += a0*b0 + a1*b1 + a2*b2 + a3*b3
		normA += a0*a0 + a1*a1 + a2*a2 + a3*a3
		normB += b0*b0 + b1*b1 + b2*b2 + b3*b3
	}
	for ; i < len(a); i++ {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineSimilarityInt8 calculates cosine similarity directly on int8
// vectors. Valid under a shared, consistent quantization scale because
// cosine similarity is scale-invariant.
func CosineSimilarityInt8(a, b []int8) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := 0; i < len(a); i++ {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ApplyLoRATransform computes output = input + B @ (A @ input).
// A is a flat dim x rank matrix (row-major), B a flat rank x dim matrix.
// Returns ErrDimensionMismatch when the flat lengths do not match the
// input dimension and rank.
func ApplyLoRATransform(input []float32, a, b []float64, rank int) ([]float32, error) {
	dim := len(input)
	if dim == 0 || rank <= 0 {
		return nil, ErrDimensionMismatch
	}
	if len(a) != dim*rank || len(b) != rank*dim {
		return nil, ErrDimensionMismatch
	}

	// Down-project: intermediate[j] = sum_i A[i][j] * input[i]
	intermediate := make([]float64, rank)
	for i := 0; i < dim; i++ {
		x := float64(input[i])
		row := a[i*rank : (i+1)*rank]
		for j := 0; j < rank; j++ {
			intermediate[j] += row[j] * x
		}
	}

	// Up-project and add: output[i] = input[i] + sum_j B[j][i] * intermediate[j]
	output := make([]float32, dim)
	copy(output, input)
	for j := 0; j < rank; j++ {
		v := intermediate[j]
		if v == 0 {
			continue
		}
		row := b[j*dim : (j+1)*dim]
		for i := 0; i < dim; i++ {
			output[i] += float32(row[i] * v)
		}
	}

	return output, nil
}

// QuantizeInt8 symmetrically quantizes a float vector to int8 using
// scale = 127 / max(|x|), with a fallback scale of 1 when the vector is
// all zeros. Returns the quantized values and the scale used.
func QuantizeInt8(v []float32) ([]int8, float64) {
	var maxAbs float64
	for _, x := range v {
		abs := math.Abs(float64(x))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	scale := 1.0
	if maxAbs > 0 {
		scale = 127.0 / maxAbs
	}

	q := make([]int8, len(v))
	for i, x := range v {
		scaled := math.Round(float64(x) * scale)
		if scaled > 127 {
			scaled = 127
		} else if scaled < -127 {
			scaled = -127
		}
		q[i] = int8(scaled)
	}
	return q, scale
}

// DequantizeInt8 reconstructs a float vector from int8 values and a scale.
func DequantizeInt8(q []int8, scale float64) []float32 {
	if scale == 0 {
		scale = 1
	}
	v := make([]float32, len(q))
	for i, x := range q {
		v[i] = float32(float64(x) / scale)
	}
	return v
}

// quantizeFloat64 quantizes a float64 weight matrix with the same symmetric
// int8 scheme used for embeddings.
func quantizeFloat64(v []float64) ([]int8, float64) {
	var maxAbs float64
	for _, x := range v {
		abs := math.Abs(x)
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	scale := 1.0
	if maxAbs > 0 {
		scale = 127.0 / maxAbs
	}

	q := make([]int8, len(v))
	for i, x := range v {
		scaled := math.Round(x * scale)
		if scaled > 127 {
			scaled = 127
		} else if scaled < -127 {
			scaled = -127
		}
		q[i] = int8(scaled)
	}
	return q, scale
}

// l2Normalize scales a vector to unit L2 norm in place. Zero vectors are
// left unchanged.
func l2Normalize(v []float64) {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
}

// normalizeAdvantages rescales advantages to zero mean and unit variance
// with an epsilon floor on the standard deviation.
func normalizeAdvantages(adv []float64) {
	if len(adv) == 0 {
		return
	}

	var mean float64
	for _, a := range adv {
		mean += a
	}
	mean /= float64(len(adv))

	var variance float64
	for _, a := range adv {
		d := a - mean
		variance += d * d
	}
	variance /= float64(len(adv))

	std := math.Sqrt(variance) + 1e-8
	for i := range adv {
		adv[i] = (adv[i] - mean) / std
	}
}

// computeGAE computes Generalized Advantage Estimation over a reward
// sequence: adv[t] = r[t] + gamma*lambda*adv[t+1], accumulated backwards.
func computeGAE(rewards []float64, gamma, lambda float64) []float64 {
	adv := make([]float64, len(rewards))
	var running float64
	for t := len(rewards) - 1; t >= 0; t-- {
		running = rewards[t] + gamma*lambda*running
		adv[t] = running
	}
	return adv
}
