// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package distcol provides List, an in-memory distributed list whose
// elements are held in chunks spread over a session's hosts, together
// with typed actions over it.
package distcol

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	collections "github.com/handist/collections-sub000"
)

type chunk[T any] struct {
	r     collections.Range
	elems []T
}

// wireChunk is the encoding of a chunk.
type wireChunk[T any] struct {
	From, To int64
	Elems    []T
}

// A List is a host's shard of a distributed list. It holds a set of
// disjoint chunks of the list's index space. Elements of T must be
// encodable by gob.
type List[T any] struct {
	name string

	mu     sync.RWMutex
	chunks []*chunk[T] // sorted by r.From
}

// NewList returns an empty shard of the named list.
func NewList[T any](name string) *List[T] {
	return &List[T]{name: name}
}

// Name implements collections.Collection.
func (l *List[T]) Name() string { return l.name }

// Add adds the elements of range r to the shard. The range must not
// overlap any range held by the shard.
func (l *List[T]) Add(r collections.Range, elems []T) error {
	if int64(len(elems)) != r.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("range %v has %d elements, got %d", r, r.Size(), len(elems)))
	}
	if r.Empty() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(&chunk[T]{r, elems})
}

func (l *List[T]) addLocked(c *chunk[T]) error {
	i := sort.Search(len(l.chunks), func(i int) bool { return l.chunks[i].r.From >= c.r.To })
	if i > 0 && l.chunks[i-1].r.To > c.r.From {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: range %v overlaps %v", l.name, c.r, l.chunks[i-1].r))
	}
	l.chunks = append(l.chunks, nil)
	copy(l.chunks[i+1:], l.chunks[i:])
	l.chunks[i] = c
	return nil
}

// find returns the index of the chunk covering r, or -1.
func (l *List[T]) find(r collections.Range) int {
	i := sort.Search(len(l.chunks), func(i int) bool { return l.chunks[i].r.To > r.From })
	if i < len(l.chunks) && l.chunks[i].r.Covers(r) {
		return i
	}
	return -1
}

// Extent implements collections.Collection.
func (l *List[T]) Extent() []collections.Range {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ranges := make([]collections.Range, len(l.chunks))
	for i, c := range l.chunks {
		ranges[i] = c.r
	}
	return ranges
}

// Len returns the number of elements held by the shard.
func (l *List[T]) Len() int64 {
	return collections.TotalSize(l.Extent())
}

// Handle returns the elements of range r, which must lie within a
// single chunk of the shard. The returned slice aliases the shard's
// storage: writes to it update the list.
func (l *List[T]) Handle(r collections.Range) ([]T, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.find(r)
	if i < 0 {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("%s: range %v is not held by this shard", l.name, r))
	}
	c := l.chunks[i]
	return c.elems[r.From-c.r.From : r.To-c.r.From : r.To-c.r.From], nil
}

// Get returns the element at index i, if it is held by the shard.
func (l *List[T]) Get(i int64) (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	k := sort.Search(len(l.chunks), func(k int) bool { return l.chunks[k].r.To > i })
	if k == len(l.chunks) || !l.chunks[k].r.Contains(i) {
		var zero T
		return zero, false
	}
	c := l.chunks[k]
	return c.elems[i-c.r.From], true
}

// Export implements collections.Collection. Each range must lie
// within a single chunk; the chunk is split around it.
func (l *List[T]) Export(ranges []collections.Range) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wire := make([]wireChunk[T], 0, len(ranges))
	for _, r := range ranges {
		if r.Empty() {
			continue
		}
		i := l.find(r)
		if i < 0 {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("%s: cannot export %v: not held by this shard", l.name, r))
		}
		c := l.chunks[i]
		lo, hi := r.From-c.r.From, r.To-c.r.From
		wire = append(wire, wireChunk[T]{r.From, r.To, c.elems[lo:hi]})
		var pieces []*chunk[T]
		if lo > 0 {
			pieces = append(pieces, &chunk[T]{collections.Range{From: c.r.From, To: r.From}, c.elems[:lo:lo]})
		}
		if r.To < c.r.To {
			pieces = append(pieces, &chunk[T]{collections.Range{From: r.To, To: c.r.To}, c.elems[hi:]})
		}
		chunks := make([]*chunk[T], 0, len(l.chunks)+1)
		chunks = append(chunks, l.chunks[:i]...)
		chunks = append(chunks, pieces...)
		l.chunks = append(chunks, l.chunks[i+1:]...)
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(wire); err != nil {
		return nil, errors.E(fmt.Sprintf("%s: encode ranges", l.name), err)
	}
	return b.Bytes(), nil
}

// Import implements collections.Collection.
func (l *List[T]) Import(p []byte) error {
	var wire []wireChunk[T]
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&wire); err != nil {
		return errors.E(fmt.Sprintf("%s: decode ranges", l.name), err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range wire {
		r := collections.Range{From: w.From, To: w.To}
		if int64(len(w.Elems)) != r.Size() {
			return errors.E(errors.Invalid, fmt.Sprintf("%s: range %v carries %d elements", l.name, r, len(w.Elems)))
		}
		if err := l.addLocked(&chunk[T]{r, w.Elems}); err != nil {
			return err
		}
	}
	return nil
}
