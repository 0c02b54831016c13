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

package distancer

import "math"

type Provider interface {
	New(vec []float32) Distancer
	SingleDist(vec1, vec2 []float32) (float32, error)
	Type() string
}

type Distancer interface {
	Distance(vec []float32) (float32, error)
}

// Normalize returns a unit-length copy of the input vector. The zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float32
	for i := range v {
		norm += v[i] * v[i]
	}
	if norm == 0 {
		return v
	}
	norm = float32(math.Sqrt(float64(norm)))

	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] / norm
	}
	return out
}
