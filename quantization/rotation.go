//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package quantization

import (
	"math"
	"math/rand/v2"
)

// FastRotation applies a pseudo-random orthogonal transform built from rounds
// of random sign flips, random swaps, and blocked Walsh-Hadamard transforms.
// It is a fast approximation of multiplying by a random rotation matrix. The
// output dimension is the input dimension padded up to a multiple of 64 so
// that packed sign bits always fill whole words.
type FastRotation struct {
	outputDim int
	rounds    int
	swaps     [][]swap
	signs     [][]int8
}

type swap struct {
	i, j uint16
}

// NewFastRotation derives all randomness from seed, so two rotations built
// with the same dimensions and seed are interchangeable.
func NewFastRotation(inputDim, rounds int, seed uint64) *FastRotation {
	outputDim := 64
	for outputDim < inputDim {
		outputDim += 64
	}
	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	swaps := make([][]swap, rounds)
	signs := make([][]int8, rounds)
	for r := range rounds {
		swaps[r] = randomSwaps(outputDim, rng)
		signs[r] = randomSigns(outputDim, rng)
	}
	return &FastRotation{
		outputDim: outputDim,
		rounds:    rounds,
		swaps:     swaps,
		signs:     signs,
	}
}

// randomSwaps pairs up all n positions so that each gets swapped exactly once
// per round.
func randomSwaps(n int, rng *rand.Rand) []swap {
	p := rng.Perm(n)
	swaps := make([]swap, n/2)
	for s := range swaps {
		swaps[s] = swap{i: uint16(p[2*s]), j: uint16(p[2*s+1])}
	}
	return swaps
}

func randomSigns(n int, rng *rand.Rand) []int8 {
	signs := make([]int8, n)
	for i := range signs {
		if rng.Float64() < 0.5 {
			signs[i] = -1
		} else {
			signs[i] = 1
		}
	}
	return signs
}

func (r *FastRotation) OutputDim() int {
	return r.outputDim
}

// Rotate returns the transform of x as a new slice of length OutputDim().
// Inputs shorter than the output dimension are implicitly zero-padded.
func (r *FastRotation) Rotate(x []float32) []float32 {
	buf := make([]float64, r.outputDim)
	for i := range x {
		buf[i] = float64(x[i])
	}
	r.rotateInPlace(buf)
	out := make([]float32, r.outputDim)
	for i := range buf {
		out[i] = float32(buf[i])
	}
	return out
}

func (r *FastRotation) rotateInPlace(x []float64) {
	for round := range r.rounds {
		signs := r.signs[round]
		for _, s := range r.swaps[round] {
			x[s.i], x[s.j] = float64(signs[s.i])*x[s.j], float64(signs[s.j])*x[s.i]
		}
		// Transform the vector in the largest power-of-two blocks that fit,
		// so non-power-of-two multiples of 64 are still fully covered.
		pos := 0
		for pos < r.outputDim {
			length := 64
			for pos+2*length <= r.outputDim {
				length *= 2
			}
			fwht(x[pos : pos+length])
			norm := 1.0 / math.Sqrt(float64(length))
			for j := pos; j < pos+length; j++ {
				x[j] *= norm
			}
			pos += length
		}
	}
}

// fwht is an in-place iterative Walsh-Hadamard transform. len(x) must be a
// power of two.
func fwht(x []float64) {
	for h := 1; h < len(x); h <<= 1 {
		for i := 0; i < len(x); i += h << 1 {
			for j := i; j < i+h; j++ {
				x[j], x[j+h] = x[j]+x[j+h], x[j]-x[j+h]
			}
		}
	}
}
