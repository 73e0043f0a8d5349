// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distcol

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	collections "github.com/handist/collections-sub000"
)

// Define registers a distributed list of the given size under the
// provided name. The list is cut into equal chunks of at most
// chunkSize elements; each chunk is placed on a host by place and its elements are
// produced by gen. Define returns the list's name so that it may be
// used in package-level variable declarations:
//
//	var ints = distcol.Define[int]("ints", 1<<20, 1<<10, distcol.Block,
//		func(i int64) int { return int(i) })
//
// Like collections.Register, Define must be called identically in
// every process of a session.
func Define[T any](name string, size, chunkSize int64, place Placement, gen func(int64) T) string {
	if size < 0 || chunkSize <= 0 {
		panic(fmt.Sprintf("distcol.Define %s: invalid size %d or chunk size %d", name, size, chunkSize))
	}
	collections.Register(name, func(host, numHosts int) (collections.Collection, error) {
		l := NewList[T](name)
		numChunks := (size + chunkSize - 1) / chunkSize
		chunks := collections.Range{From: 0, To: size}.Split(int(numChunks))
		for i, r := range chunks {
			h := place(int64(i), numChunks, numHosts)
			if h < 0 || h >= numHosts {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: chunk %d placed on host %d of %d", name, i, h, numHosts))
			}
			if h != host {
				continue
			}
			elems := make([]T, r.Size())
			for j := range elems {
				elems[j] = gen(r.From + int64(j))
			}
			if err := l.Add(r, elems); err != nil {
				return nil, err
			}
		}
		return l, nil
	})
	return name
}

func list[T any](c collections.Collection) (*List[T], error) {
	l, ok := c.(*List[T])
	if !ok {
		var zero T
		return nil, errors.E(errors.Invalid, fmt.Sprintf("collection %s is a %T, not a list of %T", c.Name(), c, zero))
	}
	return l, nil
}

// ForEach registers an action that applies fn to every element of a
// List[T]. Fn receives a pointer into the list so that it may update
// elements in place.
func ForEach[T any](name string, fn func(ctx context.Context, x *T) error) *collections.Action {
	return collections.NewAction(name, func(ctx context.Context, c collections.Collection, r collections.Range) error {
		l, err := list[T](c)
		if err != nil {
			return err
		}
		elems, err := l.Handle(r)
		if err != nil {
			return err
		}
		for i := range elems {
			if err := fn(ctx, &elems[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Each registers an action that calls fn with the index and value of
// every element of a List[T].
func Each[T any](name string, fn func(ctx context.Context, i int64, x T) error) *collections.Action {
	return collections.NewAction(name, func(ctx context.Context, c collections.Collection, r collections.Range) error {
		l, err := list[T](c)
		if err != nil {
			return err
		}
		elems, err := l.Handle(r)
		if err != nil {
			return err
		}
		for i, x := range elems {
			if err := fn(ctx, r.From+int64(i), x); err != nil {
				return err
			}
		}
		return nil
	})
}
