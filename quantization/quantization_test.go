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

package quantization_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/spann/distancer"
	"github.com/weaviate/spann/quantization"
)

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0))
}

func randomVector(d int, rng *rand.Rand) []float32 {
	x := make([]float32, d)
	for i := range x {
		x[i] = 2*rng.Float32() - 1
	}
	return x
}

func l2Squared(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Regression baseline in two dimensions where the sign grid represents the
// residual direction exactly: centroid [0,0], vector [1,1], query [0.9,0.9].
// The estimated residual inner product is exactly 1.8 and the estimated
// squared distance exactly 0.02.
func TestOneBitWorkedExample(t *testing.T) {
	q, err := quantization.NewQuantizer(2, quantization.Bits1)
	require.NoError(t, err)

	centroid := []float32{0, 0}
	code, err := q.Encode([]float32{1, 1}, centroid)
	require.NoError(t, err)

	assert.InDelta(t, math.Sqrt2, code.Norm(), 1e-6)
	assert.InDelta(t, 1.0, code.Correction(), 1e-6)
	assert.InDelta(t, 0.0, code.Radial(), 1e-6)
	assert.Equal(t, int32(2), code.SignedSum())
	require.NoError(t, code.Validate(quantization.Bits1, 2))

	fq, err := quantization.NewFloatQuery([]float32{0.9, 0.9}, centroid, quantization.Bits1, distancer.NewL2SquaredProvider())
	require.NoError(t, err)
	dist, err := fq.Estimate(code)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, dist, 1e-4)
}

func TestEncodeDeterminism(t *testing.T) {
	rng := newRNG(4631)
	for _, width := range []quantization.BitWidth{quantization.Bits1, quantization.Bits4} {
		for range 20 {
			d := 2 + rng.IntN(500)
			q, err := quantization.NewQuantizer(d, width)
			require.NoError(t, err)

			vec := randomVector(d, rng)
			centroid := randomVector(d, rng)
			a, err := q.Encode(vec, centroid)
			require.NoError(t, err)
			b, err := q.Encode(vec, centroid)
			require.NoError(t, err)
			assert.Equal(t, a, b, "codes for identical inputs must be byte-identical")
		}
	}
}

func TestHeaderConsistency(t *testing.T) {
	rng := newRNG(99173)
	for range 50 {
		d := 2 + rng.IntN(500)
		q, err := quantization.NewQuantizer(d, quantization.Bits1)
		require.NoError(t, err)

		code, err := q.Encode(randomVector(d, rng), randomVector(d, rng))
		require.NoError(t, err)
		require.NoError(t, code.Validate(quantization.Bits1, d))
		assert.Greater(t, code.Correction(), float32(0))
		assert.LessOrEqual(t, code.Correction(), float32(1))
	}
}

func TestValidateRejectsCorruptCodes(t *testing.T) {
	q, err := quantization.NewQuantizer(64, quantization.Bits1)
	require.NoError(t, err)
	rng := newRNG(31)
	code, err := q.Encode(randomVector(64, rng), randomVector(64, rng))
	require.NoError(t, err)
	require.NoError(t, code.Validate(quantization.Bits1, 64))

	// Any payload bit flip must desync the precomputed signed sum.
	flipped := append(quantization.Code(nil), code...)
	flipped.Payload(quantization.Bits1)[3] ^= 0x10
	err = flipped.Validate(quantization.Bits1, 64)
	assert.True(t, errors.Is(err, quantization.ErrCorruptCode))

	truncated := code[:len(code)-1]
	err = truncated.Validate(quantization.Bits1, 64)
	assert.True(t, errors.Is(err, quantization.ErrCorruptCode))
}

func TestEncodeErrors(t *testing.T) {
	q, err := quantization.NewQuantizer(8, quantization.Bits1)
	require.NoError(t, err)

	vec := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	_, err = q.Encode(vec, vec[:4])
	assert.Error(t, err)

	_, err = q.Encode(vec, vec)
	assert.True(t, errors.Is(err, quantization.ErrZeroResidual))

	_, err = quantization.NewQuantizer(8, quantization.BitWidth(2))
	assert.Error(t, err)
}

// The three scoring paths (full-precision lookup table, bit-plane popcount,
// batched lookup table) must agree up to the query quantization error.
func TestScoringPathsAgree(t *testing.T) {
	rng := newRNG(77024)
	d := 128
	q, err := quantization.NewQuantizer(d, quantization.Bits1)
	require.NoError(t, err)

	centroid := randomVector(d, rng)
	query := randomVector(d, rng)
	l2 := distancer.NewL2SquaredProvider()

	fq, err := quantization.NewFloatQuery(query, centroid, quantization.Bits1, l2)
	require.NoError(t, err)
	qq, err := quantization.NewQuantizedQuery(query, centroid, l2)
	require.NoError(t, err)

	scratch := make([]byte, d)
	out := make([]float32, 1)
	for range 50 {
		code, err := q.Encode(randomVector(d, rng), centroid)
		require.NoError(t, err)

		exact, err := fq.Estimate(code)
		require.NoError(t, err)

		planes, err := qq.Estimate(code)
		require.NoError(t, err)
		// Four query bit planes leave a small residual quantization error.
		assert.InDelta(t, exact, planes, 0.1*math.Abs(float64(exact))+0.5)

		err = quantization.EstimateMany(code, []*quantization.FloatQuery{fq}, scratch, out)
		require.NoError(t, err)
		assert.InDelta(t, exact, out[0], 1e-3)
	}
}

// Mean relative estimation error must strictly shrink when moving from 1-bit
// sign codes to 4-bit grid codes.
func TestMonotonicAccuracyWithBitWidth(t *testing.T) {
	rng := newRNG(5150)
	d := 128
	centroid := randomVector(d, rng)
	query := randomVector(d, rng)

	meanErr := func(width quantization.BitWidth) float64 {
		q, err := quantization.NewQuantizer(d, width)
		require.NoError(t, err)
		fq, err := quantization.NewFloatQuery(query, centroid, width, distancer.NewL2SquaredProvider())
		require.NoError(t, err)

		vecRNG := newRNG(861)
		var total float64
		n := 100
		for range n {
			vec := randomVector(d, vecRNG)
			code, err := q.Encode(vec, centroid)
			require.NoError(t, err)
			est, err := fq.Estimate(code)
			require.NoError(t, err)
			exact := l2Squared(vec, query)
			total += math.Abs(float64(est-exact)) / float64(exact)
		}
		return total / float64(n)
	}

	oneBit := meanErr(quantization.Bits1)
	fourBit := meanErr(quantization.Bits4)
	assert.Less(t, fourBit, oneBit)
}

// When the query residual is parallel to the encoded residual the estimator
// is exact for both widths, up to float rounding.
func TestParallelResidualIsExact(t *testing.T) {
	rng := newRNG(2207)
	d := 64
	centroid := randomVector(d, rng)
	vec := randomVector(d, rng)

	query := make([]float32, d)
	for i := range query {
		query[i] = centroid[i] + 0.7*(vec[i]-centroid[i])
	}

	for _, width := range []quantization.BitWidth{quantization.Bits1, quantization.Bits4} {
		q, err := quantization.NewQuantizer(d, width)
		require.NoError(t, err)
		code, err := q.Encode(vec, centroid)
		require.NoError(t, err)
		fq, err := quantization.NewFloatQuery(query, centroid, width, distancer.NewL2SquaredProvider())
		require.NoError(t, err)

		est, err := fq.Estimate(code)
		require.NoError(t, err)
		assert.InDelta(t, l2Squared(vec, query), est, 1e-3)
	}
}

func TestInnerProductMetric(t *testing.T) {
	rng := newRNG(90210)
	d := 64
	centroid := randomVector(d, rng)
	vec := randomVector(d, rng)
	query := make([]float32, d)
	for i := range query {
		query[i] = centroid[i] + 0.5*(vec[i]-centroid[i])
	}

	q, err := quantization.NewQuantizer(d, quantization.Bits4)
	require.NoError(t, err)
	code, err := q.Encode(vec, centroid)
	require.NoError(t, err)

	dot := distancer.NewDotProductProvider()
	fq, err := quantization.NewFloatQuery(query, centroid, quantization.Bits4, dot)
	require.NoError(t, err)
	est, err := fq.Estimate(code)
	require.NoError(t, err)

	exact, err := dot.SingleDist(vec, query)
	require.NoError(t, err)
	assert.InDelta(t, exact, est, 1e-3)
}

func TestFastRotation(t *testing.T) {
	rng := newRNG(1485)

	t.Run("preserves norms", func(t *testing.T) {
		for range 10 {
			d := 2 + rng.IntN(1000)
			r := quantization.NewFastRotation(d, 3, rng.Uint64())
			assert.Equal(t, 0, r.OutputDim()%64)
			assert.GreaterOrEqual(t, r.OutputDim(), d)

			x := randomVector(d, rng)
			rx := r.Rotate(x)
			var before, after float64
			for i := range x {
				before += float64(x[i]) * float64(x[i])
			}
			for i := range rx {
				after += float64(rx[i]) * float64(rx[i])
			}
			assert.InDelta(t, before, after, 1e-3*before+1e-6)
		}
	})

	t.Run("deterministic per seed", func(t *testing.T) {
		x := randomVector(100, rng)
		a := quantization.NewFastRotation(100, 3, 7).Rotate(x)
		b := quantization.NewFastRotation(100, 3, 7).Rotate(x)
		assert.Equal(t, a, b)

		c := quantization.NewFastRotation(100, 3, 8).Rotate(x)
		assert.NotEqual(t, a, c)
	})

	t.Run("linear", func(t *testing.T) {
		// Residuals commute with the rotation: R(x-y) = R(x) - R(y).
		r := quantization.NewFastRotation(100, 3, 99)
		x := randomVector(100, rng)
		y := randomVector(100, rng)
		diff := make([]float32, 100)
		for i := range diff {
			diff[i] = x[i] - y[i]
		}
		rx, ry, rdiff := r.Rotate(x), r.Rotate(y), r.Rotate(diff)
		for i := range rdiff {
			assert.InDelta(t, rx[i]-ry[i], rdiff[i], 1e-3)
		}
	})
}
