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
	"context"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
)

var (
	ErrPostingNotFound = errors.New("posting not found")
	ErrVectorNotFound  = errors.New("vector not found")

	// ErrUnknownLayout is returned when a stored posting was written under a
	// different layout version. Layout changes are not backward compatible,
	// old regions must be migrated explicitly, never reinterpreted.
	ErrUnknownLayout = errors.New("unknown posting layout version")

	// ErrCorruptRegion is returned when a stored posting region fails its
	// checksum.
	ErrCorruptRegion = errors.New("corrupt posting region")
)

// postingLayoutVersion is bumped whenever the serialized entry layout
// changes.
const postingLayoutVersion = 1

// checksumLen is the length of the xxhash64 trailer guarding each stored
// region.
const checksumLen = 8

// BlockStore is the append-only block storage collaborator. It stores opaque
// byte regions keyed by posting ID. Get returns ErrPostingNotFound for
// missing keys.
type BlockStore interface {
	Get(ctx context.Context, key uint64) ([]byte, error)
	Put(ctx context.Context, key uint64, data []byte) error
	Delete(ctx context.Context, key uint64) error
}

// MemoryStore is an in-memory BlockStore used for tests and for indexes
// small enough to not need remote persistence.
type MemoryStore struct {
	m *xsync.Map[uint64, []byte]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m: xsync.NewMap[uint64, []byte](),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key uint64) ([]byte, error) {
	data, ok := s.m.Load(key)
	if !ok {
		return nil, ErrPostingNotFound
	}
	return data, nil
}

func (s *MemoryStore) Put(ctx context.Context, key uint64, data []byte) error {
	s.m.Store(key, data)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key uint64) error {
	s.m.Delete(key)
	return nil
}

// PostingStore wraps a BlockStore with the posting serialization: a one-byte
// layout version followed by the contiguous entry region.
type PostingStore struct {
	store   BlockStore
	metrics *Metrics
	codeLen int
}

func NewPostingStore(store BlockStore, metrics *Metrics, codeLen int) *PostingStore {
	return &PostingStore{
		store:   store,
		metrics: metrics,
		codeLen: codeLen,
	}
}

func (p *PostingStore) Get(ctx context.Context, postingID uint64) (*Posting, error) {
	data, err := p.store.Get(ctx, postingID)
	if err != nil {
		return nil, err
	}
	return p.decode(postingID, data)
}

func (p *PostingStore) decode(postingID uint64, data []byte) (*Posting, error) {
	if len(data) < 1+checksumLen {
		return nil, errors.Wrapf(ErrUnknownLayout, "posting %d region is truncated", postingID)
	}

	payload := data[:len(data)-checksumLen]
	want := binary.LittleEndian.Uint64(data[len(data)-checksumLen:])
	if got := xxhash.Sum64(payload); got != want {
		return nil, errors.Wrapf(ErrCorruptRegion, "posting %d checksum mismatch", postingID)
	}

	if payload[0] != postingLayoutVersion {
		return nil, errors.Wrapf(ErrUnknownLayout, "posting %d has layout %d, want %d",
			postingID, payload[0], postingLayoutVersion)
	}
	body := payload[1:]
	if len(body)%(entryHeaderLen+p.codeLen) != 0 {
		return nil, errors.Wrapf(ErrUnknownLayout, "posting %d region length %d is not a multiple of the entry stride %d",
			postingID, len(body), entryHeaderLen+p.codeLen)
	}
	// copy so in-place garbage collection never mutates a region shared
	// with the store or with concurrent readers
	return &Posting{
		codeLen: p.codeLen,
		data:    append([]byte(nil), body...),
	}, nil
}

func (p *PostingStore) Put(ctx context.Context, postingID uint64, posting *Posting) error {
	if posting == nil {
		return errors.New("posting cannot be nil")
	}
	if posting.codeLen != p.codeLen {
		return errors.Errorf("posting code size %d does not match store code size %d",
			posting.codeLen, p.codeLen)
	}

	data := make([]byte, 1+len(posting.data)+checksumLen)
	data[0] = postingLayoutVersion
	copy(data[1:], posting.data)
	sum := xxhash.Sum64(data[:1+len(posting.data)])
	binary.LittleEndian.PutUint64(data[1+len(posting.data):], sum)
	return p.store.Put(ctx, postingID, data)
}

func (p *PostingStore) Delete(ctx context.Context, postingID uint64) error {
	return p.store.Delete(ctx, postingID)
}
