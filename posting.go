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

package spann

import (
	"encoding/binary"
	"iter"

	"github.com/weaviate/spann/quantization"
)

const (
	counterMask   = 0x7F // 0111 1111, masks out the lower 7 bits
	tombstoneMask = 0x80 // 1000 0000, masks out the highest bit
)

// A VectorVersion is a 1-byte value structured as follows:
// - 7 bits for the version number
// - 1 bit for the tombstone flag (0 = alive, 1 = deleted)
type VectorVersion uint8

func (ve VectorVersion) Version() uint8 {
	return uint8(ve) & counterMask
}

func (ve VectorVersion) Deleted() bool {
	return (uint8(ve) & tombstoneMask) != 0
}

// A Vector is one posting entry, structured as follows:
// - 8 bytes for the vector ID (uint64, little endian)
// - 1 byte for the version (VectorVersion)
// - N bytes for the quantized code
type Vector []byte

const entryHeaderLen = 8 + 1

func NewVector(id uint64, version VectorVersion, code quantization.Code) Vector {
	v := make(Vector, entryHeaderLen+len(code))
	binary.LittleEndian.PutUint64(v[:8], id)
	v[8] = byte(version)
	copy(v[entryHeaderLen:], code)
	return v
}

func (v Vector) ID() uint64 {
	return binary.LittleEndian.Uint64(v[:8])
}

func (v Vector) Version() VectorVersion {
	return VectorVersion(v[8])
}

func (v Vector) Code() quantization.Code {
	return quantization.Code(v[entryHeaderLen:])
}

// A Posting is the set of codes quantized against the same centroid, stored
// as one contiguous byte region with a fixed stride. Sequential scans walk
// the region in order, and committing hands the region to the durable store
// without a reassembly copy.
type Posting struct {
	codeLen int
	data    []byte
}

func NewPosting(codeLen, capacity int) *Posting {
	return &Posting{
		codeLen: codeLen,
		data:    make([]byte, 0, capacity*(entryHeaderLen+codeLen)),
	}
}

func (p *Posting) stride() int {
	return entryHeaderLen + p.codeLen
}

func (p *Posting) AddVector(v Vector) {
	p.data = append(p.data, v...)
}

func (p *Posting) Len() int {
	return len(p.data) / p.stride()
}

func (p *Posting) GetAt(i int) Vector {
	step := p.stride()
	return Vector(p.data[i*step : (i+1)*step])
}

func (p *Posting) Iter() iter.Seq2[int, Vector] {
	step := p.stride()
	return func(yield func(int, Vector) bool) {
		var j int
		for i := 0; i+step <= len(p.data); i += step {
			if !yield(j, Vector(p.data[i:i+step])) {
				break
			}
			j++
		}
	}
}

// GarbageCollect filters out entries whose version map entry marks them as
// deleted or superseded. The filtering is done in place, no new region is
// allocated.
func (p *Posting) GarbageCollect(versionMap *VersionMap) *Posting {
	step := p.stride()
	var i int
	for i+step <= len(p.data) {
		id := binary.LittleEndian.Uint64(p.data[i : i+8])
		version := versionMap.Get(id)
		if !version.Deleted() && version.Version() <= VectorVersion(p.data[i+8]).Version() {
			i += step
			continue
		}

		copy(p.data[i:], p.data[i+step:])
		p.data = p.data[:len(p.data)-step]
	}
	return p
}

func (p *Posting) Clone() *Posting {
	return &Posting{
		codeLen: p.codeLen,
		data:    append([]byte(nil), p.data...),
	}
}

// Bytes returns the underlying region. Ownership transfers to the caller on
// commit, the posting must not be mutated afterwards.
func (p *Posting) Bytes() []byte {
	return p.data
}
