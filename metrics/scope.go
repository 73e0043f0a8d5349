// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
)

// Scope is a collection of metric values. The zero Scope is empty
// and ready to use.
type Scope struct {
	mu   sync.Mutex
	vals []int64 // indexed by metric id
}

func (s *Scope) add(id int, n int64) {
	s.mu.Lock()
	for len(s.vals) <= id {
		s.vals = append(s.vals, 0)
	}
	s.vals[id] += n
	s.mu.Unlock()
}

func (s *Scope) value(id int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= len(s.vals) {
		return 0
	}
	return s.vals[id]
}

func (s *Scope) snapshot() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.vals...)
}

// GobEncode implements a custom gob encoder for scopes.
func (s *Scope) GobEncode() ([]byte, error) {
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(s.snapshot())
	return b.Bytes(), err
}

// GobDecode implements a custom gob decoder for scopes.
func (s *Scope) GobDecode(p []byte) error {
	var vals []int64
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&vals); err != nil {
		return err
	}
	s.mu.Lock()
	s.vals = vals
	s.mu.Unlock()
	return nil
}

// Merge adds the values of scope u into scope s.
func (s *Scope) Merge(u *Scope) {
	if u == nil || u == s {
		return
	}
	for id, n := range u.snapshot() {
		if n != 0 {
			s.add(id, n)
		}
	}
}

// Reset sets s to a copy of u, or empties it if u is nil.
func (s *Scope) Reset(u *Scope) {
	var vals []int64
	if u != nil {
		vals = u.snapshot()
	}
	s.mu.Lock()
	s.vals = vals
	s.mu.Unlock()
}

type contextKeyType struct{}

var contextKey contextKeyType

// ScopedContext returns a context with the provided scope attached.
// The scope may be retrieved by ContextScope.
func ScopedContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, contextKey, scope)
}

// ContextScope returns the scope attached to the provided context.
// ContextScope panics if the context does not have an attached scope.
func ContextScope(ctx context.Context) *Scope {
	s := ctx.Value(contextKey)
	if s == nil {
		panic("metrics: context does not provide metrics")
	}
	return s.(*Scope)
}
