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

	"github.com/pkg/errors"
)

// Quantizer converts full-precision embeddings, relative to a cluster
// centroid, into fixed-size codes. Encoding is fully deterministic: identical
// (vector, centroid) pairs always produce byte-identical codes. Rotation of
// the inputs happens once at the index level, both arguments to Encode are
// expected in rotated space.
type Quantizer struct {
	dim   int
	width BitWidth
}

func NewQuantizer(dim int, width BitWidth) (*Quantizer, error) {
	if dim <= 0 {
		return nil, errors.Errorf("invalid dimension %d", dim)
	}
	if !width.Valid() {
		return nil, errors.Errorf("unsupported bit width %d, must be 1 or 4", width)
	}
	return &Quantizer{dim: dim, width: width}, nil
}

func (q *Quantizer) Dim() int {
	return q.dim
}

func (q *Quantizer) Width() BitWidth {
	return q.width
}

// CodeLen returns the serialized length of one code.
func (q *Quantizer) CodeLen() int {
	return q.width.CodeLen(q.dim)
}

// Encode quantizes vec relative to centroid into a freshly allocated code.
func (q *Quantizer) Encode(vec, centroid []float32) (Code, error) {
	code := make(Code, q.CodeLen())
	if err := q.EncodeInto(code, vec, centroid); err != nil {
		return nil, err
	}
	return code, nil
}

// EncodeInto quantizes vec relative to centroid into dst, which must have
// length CodeLen(). It fails on dimension mismatch or when vec coincides
// exactly with the centroid, a zero-norm residual has no direction to encode
// and its correction scalar is undefined.
func (q *Quantizer) EncodeInto(dst Code, vec, centroid []float32) error {
	if len(vec) != q.dim || len(centroid) != q.dim {
		return errors.Errorf("dimension mismatch: vector %d, centroid %d, quantizer %d",
			len(vec), len(centroid), q.dim)
	}
	if len(dst) != q.CodeLen() {
		return errors.Errorf("destination length %d, want %d", len(dst), q.CodeLen())
	}
	if q.width == Bits1 {
		return q.encodeOneBit(dst, vec, centroid)
	}
	return q.encodeFourBit(dst, vec, centroid)
}

// encodeOneBit runs a single fused pass over the inputs, accumulating the
// residual's squared norm, its l1 norm, its inner product with the centroid,
// the packed sign bits, and the population count, without materializing the
// residual itself.
func (q *Quantizer) encodeOneBit(dst Code, vec, centroid []float32) error {
	payload := dst.Payload(Bits1)
	clear(payload)

	var normSq, absSum, radial float32
	var popcnt int
	for i := range vec {
		r := vec[i] - centroid[i]
		normSq += r * r
		radial += r * centroid[i]
		if r > 0 {
			payload[i/8] |= 1 << (i % 8)
			popcnt++
			absSum += r
		} else {
			absSum -= r
		}
	}
	if normSq == 0 {
		return errors.Wrapf(ErrZeroResidual, "vector coincides with centroid")
	}

	norm := float32(math.Sqrt(float64(normSq)))
	// Cosine between the residual and the unit sign vector. Cauchy-Schwarz
	// bounds it by 1, float rounding can push the ratio an epsilon above.
	correction := absSum / (norm * float32(math.Sqrt(float64(q.dim))))
	if correction > 1 {
		correction = 1
	}

	dst.setNorm(norm)
	dst.setCorrection(correction)
	dst.setRadial(radial)
	dst.setSignedSum(int32(2*popcnt - q.dim))
	return nil
}

// ZeroCode returns the code of a zero residual. Encode refuses the zero
// residual because its direction is undefined, but callers that knowingly
// store a vector equal to its centroid can use this code instead: with a
// zero norm every estimate degenerates to the exact centroid distance.
func (q *Quantizer) ZeroCode() Code {
	code := make(Code, q.CodeLen())
	code.setCorrection(1)
	if q.width == Bits1 {
		code.setSignedSum(int32(-q.dim))
	}
	return code
}

// rayWalkSteps is the number of candidate grid step sizes tried when fitting
// a 4-bit code to a residual direction.
const rayWalkSteps = 32

// encodeFourBit maps each residual component to one of 16 grid levels. The
// grid step is not chosen by uniform rounding: we walk a set of candidate
// steps along the residual direction and keep the one whose reconstructed
// vector has the largest cosine similarity to the true residual. More encode
// time, tighter per-component error.
func (q *Quantizer) encodeFourBit(dst Code, vec, centroid []float32) error {
	var normSq, radial, maxAbs float32
	for i := range vec {
		r := vec[i] - centroid[i]
		normSq += r * r
		radial += r * centroid[i]
		if r < 0 {
			r = -r
		}
		if r > maxAbs {
			maxAbs = r
		}
	}
	if normSq == 0 {
		return errors.Wrapf(ErrZeroResidual, "vector coincides with centroid")
	}

	// The largest candidate fits the full range without clamping, smaller
	// ones trade clamped extremes for finer resolution of the bulk.
	maxStep := maxAbs / 7.5
	var bestStep float32
	var bestCos float64 = -1
	for s := 1; s <= rayWalkSteps; s++ {
		step := maxStep * float32(s) / rayWalkSteps
		var dot, gNormSq float64
		for i := range vec {
			r := vec[i] - centroid[i]
			g := float64(gridLevel(r, step)) - 7.5
			dot += g * float64(r)
			gNormSq += g * g
		}
		if gNormSq == 0 {
			continue
		}
		cos := dot / math.Sqrt(gNormSq)
		if cos > bestCos {
			bestCos = cos
			bestStep = step
		}
	}

	payload := dst.Payload(Bits4)
	clear(payload)
	var dot float64
	for i := range vec {
		r := vec[i] - centroid[i]
		level := gridLevel(r, bestStep)
		payload[i/2] |= level << (4 * (i % 2))
		dot += (float64(level) - 7.5) * float64(r)
	}

	norm := float32(math.Sqrt(float64(normSq)))
	dst.setNorm(norm)
	dst.setCorrection(float32(dot) / norm)
	dst.setRadial(radial)
	return nil
}

// gridLevel rounds r to the nearest of the 16 grid points spaced step apart
// and centered on zero, clamped to the representable range.
func gridLevel(r, step float32) byte {
	l := int(math.Floor(float64(r/step) + 8.0))
	if l < 0 {
		l = 0
	} else if l > 15 {
		l = 15
	}
	return byte(l)
}
