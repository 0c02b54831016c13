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
)

var (
	// ErrCorruptCode is returned when a serialized code's header disagrees
	// with its payload. Corrupt codes are rejected, never repaired.
	ErrCorruptCode = errors.New("corrupt quantized code")

	// ErrZeroResidual is returned when a vector coincides exactly with its
	// cluster centroid, leaving no residual direction to encode.
	ErrZeroResidual = errors.New("zero-norm residual")
)

// BitWidth selects the code format. A cluster is homogeneous in bit width,
// so dispatch happens once per cluster, not per code.
type BitWidth uint8

const (
	// Bits1 packs one sign bit per residual component.
	Bits1 BitWidth = 1
	// Bits4 packs one 16-level grid index per residual component.
	Bits4 BitWidth = 4
)

func (w BitWidth) Valid() bool {
	return w == Bits1 || w == Bits4
}

// HeaderLen returns the byte length of the code header. Both widths store
// norm, correction and radial as float32; 1-bit codes additionally store the
// precomputed signed sum so query-time scoring never recounts bits.
func (w BitWidth) HeaderLen() int {
	if w == Bits1 {
		return 16
	}
	return 12
}

// PayloadLen returns the byte length of the packed payload for dim residual
// components.
func (w BitWidth) PayloadLen(dim int) int {
	if w == Bits1 {
		return (dim + 7) / 8
	}
	return (dim + 1) / 2
}

// CodeLen returns the total serialized length of a code.
func (w BitWidth) CodeLen(dim int) int {
	return w.HeaderLen() + w.PayloadLen(dim)
}

const (
	offNorm       = 0
	offCorrection = 4
	offRadial     = 8
	offSignedSum  = 12
)

// Code is the compressed representation of one residual: a fixed-size little
// endian header followed by the packed sign bits or grid levels. Codes are
// immutable once created, an update is a delete plus a fresh encode.
type Code []byte

// Norm returns the Euclidean norm of the residual.
func (c Code) Norm() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(c[offNorm:]))
}

// Correction returns the scalar that rescales the bit-level inner product
// estimate back to a real-valued inner product. For 1-bit codes it is the
// cosine between the residual and its sign vector, always in [0, 1].
func (c Code) Correction() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(c[offCorrection:]))
}

// Radial returns the exact inner product of the residual with the centroid.
// It is stored at full precision, quantizing it would needlessly degrade
// accuracy for a scalar that is computed once.
func (c Code) Radial() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(c[offRadial:]))
}

// SignedSum returns 2*popcount(bits) - dim. Only present on 1-bit codes.
func (c Code) SignedSum() int32 {
	return int32(binary.LittleEndian.Uint32(c[offSignedSum:]))
}

// Payload returns the packed bits or grid levels.
func (c Code) Payload(w BitWidth) []byte {
	return c[w.HeaderLen():]
}

func (c Code) setNorm(x float32) {
	binary.LittleEndian.PutUint32(c[offNorm:], math.Float32bits(x))
}

func (c Code) setCorrection(x float32) {
	binary.LittleEndian.PutUint32(c[offCorrection:], math.Float32bits(x))
}

func (c Code) setRadial(x float32) {
	binary.LittleEndian.PutUint32(c[offRadial:], math.Float32bits(x))
}

func (c Code) setSignedSum(x int32) {
	binary.LittleEndian.PutUint32(c[offSignedSum:], uint32(x))
}

// popcount counts the set bits among the first dim bits of the payload.
func popcount(payload []byte, dim int) int {
	var count int
	full := dim / 8
	i := 0
	for ; i+8 <= full; i += 8 {
		count += bits.OnesCount64(binary.LittleEndian.Uint64(payload[i:]))
	}
	for ; i < full; i++ {
		count += bits.OnesCount8(payload[i])
	}
	if rem := dim % 8; rem != 0 {
		count += bits.OnesCount8(payload[full] & (1<<rem - 1))
	}
	return count
}

func finite(x float32) bool {
	f := float64(x)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Validate checks that the header is internally consistent with the payload.
// Any disagreement means the serialized bytes are corrupt and the code must
// be rejected.
func (c Code) Validate(w BitWidth, dim int) error {
	if !w.Valid() {
		return errors.Wrapf(ErrCorruptCode, "unsupported bit width %d", w)
	}
	if len(c) != w.CodeLen(dim) {
		return errors.Wrapf(ErrCorruptCode, "code length %d, want %d for dim %d",
			len(c), w.CodeLen(dim), dim)
	}
	if !finite(c.Norm()) || !finite(c.Correction()) || !finite(c.Radial()) {
		return errors.Wrap(ErrCorruptCode, "non-finite header scalar")
	}
	if c.Norm() < 0 {
		return errors.Wrapf(ErrCorruptCode, "negative residual norm %f", c.Norm())
	}
	if c.Correction() <= 0 {
		return errors.Wrapf(ErrCorruptCode, "non-positive correction %f", c.Correction())
	}
	if w == Bits1 {
		if c.Correction() > 1 {
			return errors.Wrapf(ErrCorruptCode, "correction %f outside [0,1]", c.Correction())
		}
		want := int32(2*popcount(c.Payload(w), dim) - dim)
		if got := c.SignedSum(); got != want {
			return errors.Wrapf(ErrCorruptCode, "signed sum %d disagrees with payload popcount (%d)", got, want)
		}
	}
	return nil
}
