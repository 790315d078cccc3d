package transformer

import (
	"math"
)

// layerNormForward normalizes each row of input.
// input: [nRows][normSize] flattened; gamma/beta: [normSize].
func layerNormForward(input, gamma, beta []float32, normSize, nRows int) []float32 {
	const epsilon = 1e-5
	output := make([]float32, len(input))

	for r := 0; r < nRows; r++ {
		start := r * normSize
		end := start + normSize

		// Mean
		var sum float64
		for i := start; i < end; i++ {
			sum += float64(input[i])
		}
		mean := sum / float64(normSize)

		// Variance
		var variance float64
		for i := start; i < end; i++ {
			diff := float64(input[i]) - mean
			variance += diff * diff
		}
		variance /= float64(normSize)

		std := math.Sqrt(variance + epsilon)

		for i := 0; i < normSize; i++ {
			idx := start + i
			normalized := (float64(input[idx]) - mean) / std
			normalized *= float64(gamma[i])
			normalized += float64(beta[i])
			output[idx] = float32(normalized)
		}
	}

	return output
}

// geluCPU applies the tanh approximation of GELU.
func geluCPU(v float32) float32 {
	x := float64(v)
	inner := math.Sqrt(2.0/math.Pi) * (x + 0.044715*x*x*x)
	return float32(0.5 * x * (1.0 + math.Tanh(inner)))
}

// SoftmaxRow computes a numerically stable softmax over one row of logits.
func SoftmaxRow(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}

	exps := make([]float32, len(logits))
	sum := float32(0.0)
	for i, v := range logits {
		exps[i] = float32(math.Exp(float64(v - maxLogit)))
		sum += exps[i]
	}

	probs := make([]float32, len(logits))
	for i := range exps {
		probs[i] = exps[i] / sum
	}

	return probs
}

// LogSoftmaxRow computes log-softmax over one row of logits in float64 for
// stable downstream divergence math.
func LogSoftmaxRow(logits []float32) []float64 {
	maxLogit := float64(logits[0])
	for _, v := range logits {
		if float64(v) > maxLogit {
			maxLogit = float64(v)
		}
	}

	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxLogit)
	}
	logSum := math.Log(sum) + maxLogit

	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v) - logSum
	}
	return out
}
