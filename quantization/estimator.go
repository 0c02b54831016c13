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
	"github.com/pkg/errors"
)

// assembleDistance combines the per-cluster constants, the code's header
// scalars and the estimated residual inner product into a distance. Both
// vectors decompose against the same centroid, so the Euclidean case reduces
// to
//
//	||d - q||^2 = ||r_d||^2 + ||r_q||^2 - 2<r_d,r_q>
//
// where every term except <r_d,r_q> is exact. The inner product case
// reassembles <d,q> = <c,c> + <r_q,c> + <r_d,c> + <r_d,r_q>, with the code's
// radial supplying the third term, and maps it so that lower is closer for
// both metrics.
func assembleDistance(l2 bool, cNormSq, qNormSq, qDotC, norm, radial, dotEst float32) float32 {
	if l2 {
		return norm*norm + qNormSq - 2*dotEst
	}
	return 1 - (qDotC + cNormSq + radial + dotEst)
}

// EstimateMany scores a single code against many queries built for the same
// cluster and bit width. The code's header is decoded and its payload
// unpacked into scratch once, amortized across all queries. scratch is
// caller-owned and must hold one byte per dimension, out one float per
// query.
func EstimateMany(c Code, queries []*FloatQuery, scratch []byte, out []float32) error {
	if len(queries) == 0 {
		return nil
	}
	if len(out) < len(queries) {
		return errors.Errorf("output length %d, want %d", len(out), len(queries))
	}

	first := queries[0]
	if len(c) != first.width.CodeLen(first.dim) {
		return errors.Wrapf(ErrCorruptCode, "code length %d, want %d", len(c), first.width.CodeLen(first.dim))
	}
	if len(scratch) < first.dim {
		return errors.Errorf("scratch length %d, want %d", len(scratch), first.dim)
	}
	for _, q := range queries[1:] {
		if q.dim != first.dim || q.width != first.width {
			return errors.Errorf("mixed query dimensions or bit widths in batch")
		}
	}

	norm := c.Norm()
	correction := c.Correction()
	radial := c.Radial()
	payload := c.Payload(first.width)

	if first.width == Bits1 {
		// Unpack the two nibble indices per payload byte once, scoring per
		// query is then pure table lookups.
		for k, b := range payload {
			scratch[2*k] = b & 0x0f
			if 2*k+1 < len(scratch) {
				scratch[2*k+1] = b >> 4
			}
		}
		nibbles := 2 * Bits1.PayloadLen(first.dim)
		if nibbles > len(scratch) {
			nibbles = len(scratch)
		}
		for qi, q := range queries {
			var dot float32
			for n := 0; n < nibbles; n++ {
				dot += q.lut[n*16+int(scratch[n])]
			}
			dotEst := norm * dot / (q.sqrtDim * correction)
			out[qi] = assembleDistance(q.l2, q.cNormSq, q.normSq, q.dotC, norm, radial, dotEst)
		}
		return nil
	}

	for k, b := range payload {
		scratch[2*k] = b & 0x0f
		if 2*k+1 < first.dim {
			scratch[2*k+1] = b >> 4
		}
	}
	for qi, q := range queries {
		var dot float32
		for i := 0; i < first.dim; i++ {
			dot += (float32(scratch[i]) - 7.5) * q.residual[i]
		}
		dotEst := norm * dot / correction
		out[qi] = assembleDistance(q.l2, q.cNormSq, q.normSq, q.dotC, norm, radial, dotEst)
	}
	return nil
}
