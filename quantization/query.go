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
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/pkg/errors"

	"github.com/weaviate/spann/distancer"
)

// FloatQuery is the full-precision query representation for one cluster: the
// query's residual against that cluster's centroid plus the per-cluster
// scalars of the distance decomposition. For 1-bit codes it additionally
// carries a per-nibble sign lookup table so that scoring a code is a handful
// of table lookups per payload byte. Ephemeral, built per query per cluster.
type FloatQuery struct {
	dim      int
	width    BitWidth
	l2       bool
	residual []float32
	lut      []float32 // [2*payloadBytes][16], flattened

	normSq  float32 // squared norm of the query residual
	dotC    float32 // inner product of the query residual with the centroid
	cNormSq float32 // squared norm of the centroid
	sqrtDim float32
}

func isL2(provider distancer.Provider) bool {
	return provider.Type() == "l2-squared"
}

// NewFloatQuery builds the full-precision query representation of query
// against centroid, both in rotated space.
func NewFloatQuery(query, centroid []float32, width BitWidth, provider distancer.Provider) (*FloatQuery, error) {
	if len(query) != len(centroid) {
		return nil, errors.Errorf("dimension mismatch: query %d, centroid %d", len(query), len(centroid))
	}
	if !width.Valid() {
		return nil, errors.Errorf("unsupported bit width %d", width)
	}

	dim := len(query)
	fq := &FloatQuery{
		dim:      dim,
		width:    width,
		l2:       isL2(provider),
		residual: make([]float32, dim),
		sqrtDim:  float32(math.Sqrt(float64(dim))),
	}
	for i := range query {
		r := query[i] - centroid[i]
		fq.residual[i] = r
		fq.normSq += r * r
		fq.dotC += r * centroid[i]
		fq.cNormSq += centroid[i] * centroid[i]
	}
	if width == Bits1 {
		fq.buildLUT()
	}
	return fq, nil
}

// buildLUT precomputes, for every payload nibble position and every one of
// its 16 bit patterns, the signed partial sum of the four residual
// components the nibble covers.
func (fq *FloatQuery) buildLUT() {
	nibbles := 2 * Bits1.PayloadLen(fq.dim)
	fq.lut = make([]float32, nibbles*16)
	for n := range nibbles {
		base := n * 16
		for b := 0; b < 4; b++ {
			i := 4*n + b
			if i >= fq.dim {
				break
			}
			r := fq.residual[i]
			for p := 0; p < 16; p++ {
				if p&(1<<b) != 0 {
					fq.lut[base+p] += r
				} else {
					fq.lut[base+p] -= r
				}
			}
		}
	}
}

// signDot computes the inner product of the query residual with the ±1 sign
// vector packed in payload.
func (fq *FloatQuery) signDot(payload []byte) float32 {
	var dot float32
	for k, b := range payload {
		dot += fq.lut[int(b&0x0f)+32*k] + fq.lut[int(b>>4)+32*k+16]
	}
	return dot
}

// gridDot computes the inner product of the query residual with the centered
// grid vector packed in payload.
func (fq *FloatQuery) gridDot(payload []byte) float32 {
	var dot float32
	for k, b := range payload {
		i := 2 * k
		dot += (float32(b&0x0f) - 7.5) * fq.residual[i]
		if i+1 < fq.dim {
			dot += (float32(b>>4) - 7.5) * fq.residual[i+1]
		}
	}
	return dot
}

// Estimate scores one code against the query. The result is monotonically
// related to the true distance, lower is closer.
func (fq *FloatQuery) Estimate(c Code) (float32, error) {
	if len(c) != fq.width.CodeLen(fq.dim) {
		return 0, errors.Wrapf(ErrCorruptCode, "code length %d, want %d", len(c), fq.width.CodeLen(fq.dim))
	}
	payload := c.Payload(fq.width)
	var dotEst float32
	if fq.width == Bits1 {
		dotEst = c.Norm() * fq.signDot(payload) / (fq.sqrtDim * c.Correction())
	} else {
		dotEst = c.Norm() * fq.gridDot(payload) / c.Correction()
	}
	return assembleDistance(fq.l2, fq.cNormSq, fq.normSq, fq.dotC, c.Norm(), c.Radial(), dotEst), nil
}

// queryBits is the number of bit planes a quantized query carries.
const queryBits = 4

// QuantizedQuery is the bit-plane query representation for one cluster. The
// query residual is uniformly quantized to queryBits-bit levels and the
// levels' bits are scattered into queryBits packed-bit planes, all stored in
// one flat buffer segmented by planeBytes. Scoring a 1-bit code is then a
// bitwise AND and a population count per plane. Ephemeral, built per query
// per cluster.
type QuantizedQuery struct {
	dim        int
	l2         bool
	planes     []byte
	planeBytes int
	planePop   [queryBits]int32
	lower      float32 // value of quantization level zero
	delta      float32 // spacing between adjacent levels
	sqrtDim    float32

	normSq  float32
	dotC    float32
	cNormSq float32
}

// NewQuantizedQuery builds the bit-plane representation of query against
// centroid, both in rotated space. Rounding to levels is deterministic, at
// four planes the accuracy gained by randomized rounding is negligible and
// not worth the nondeterminism.
func NewQuantizedQuery(query, centroid []float32, provider distancer.Provider) (*QuantizedQuery, error) {
	if len(query) != len(centroid) {
		return nil, errors.Errorf("dimension mismatch: query %d, centroid %d", len(query), len(centroid))
	}

	dim := len(query)
	qq := &QuantizedQuery{
		dim:        dim,
		l2:         isL2(provider),
		planeBytes: Bits1.PayloadLen(dim),
		sqrtDim:    float32(math.Sqrt(float64(dim))),
	}
	qq.planes = make([]byte, queryBits*qq.planeBytes)

	min, max := float32(math.Inf(1)), float32(math.Inf(-1))
	for i := range query {
		r := query[i] - centroid[i]
		qq.normSq += r * r
		qq.dotC += r * centroid[i]
		qq.cNormSq += centroid[i] * centroid[i]
		if r < min {
			min = r
		}
		if r > max {
			max = r
		}
	}
	qq.lower = min
	qq.delta = (max - min) / (1<<queryBits - 1)

	// One pass scatters all queryBits bits of every level into the planes.
	for i := range query {
		r := query[i] - centroid[i]
		var level int
		if qq.delta > 0 {
			level = int(math.Floor(float64((r-min)/qq.delta) + 0.5))
			if level > 15 {
				level = 15
			}
		}
		for p := 0; p < queryBits; p++ {
			if level&(1<<p) != 0 {
				qq.planes[p*qq.planeBytes+i/8] |= 1 << (i % 8)
			}
		}
	}
	for p := 0; p < queryBits; p++ {
		qq.planePop[p] = int32(popcount(qq.plane(p), dim))
	}
	return qq, nil
}

func (qq *QuantizedQuery) plane(p int) []byte {
	return qq.planes[p*qq.planeBytes : (p+1)*qq.planeBytes]
}

func andPopcount(a, b []byte) int32 {
	var count int
	i := 0
	for ; i+8 <= len(a); i += 8 {
		count += bits.OnesCount64(binary.LittleEndian.Uint64(a[i:]) & binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < len(a); i++ {
		count += bits.OnesCount8(a[i] & b[i])
	}
	return int32(count)
}

// Estimate scores one 1-bit code against the query using plane-wise
// popcounts. The code's precomputed signed sum supplies the level-zero term,
// so no popcount over the code's own bits is needed.
func (qq *QuantizedQuery) Estimate(c Code) (float32, error) {
	if len(c) != Bits1.CodeLen(qq.dim) {
		return 0, errors.Wrapf(ErrCorruptCode, "code length %d, want %d", len(c), Bits1.CodeLen(qq.dim))
	}
	payload := c.Payload(Bits1)

	var weighted int32
	for p := 0; p < queryBits; p++ {
		weighted += (2*andPopcount(payload, qq.plane(p)) - qq.planePop[p]) << p
	}
	signDot := qq.lower*float32(c.SignedSum()) + qq.delta*float32(weighted)

	dotEst := c.Norm() * signDot / (qq.sqrtDim * c.Correction())
	return assembleDistance(qq.l2, qq.cNormSq, qq.normSq, qq.dotC, c.Norm(), c.Radial(), dotEst), nil
}
