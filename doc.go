// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package collections defines the host-side vocabulary of a distributed
collection as seen by the global load balancer (package exec).

A distributed collection is a contiguous index space [0, n) whose
elements are partitioned across a set of hosts. Each host holds a
shard: a Collection that reports the ranges it currently owns
(Extent), and that can hand ranges to another host (Export, Import).
The load balancer never looks inside elements; it moves index ranges
and invokes registered Actions over them.

Collections and actions are named, and their names are resolved in
every host process. Both must therefore be registered before a
session is started, in a deterministic way. Package-level variables
are the simplest way to do this:

	var squares = collections.NewAction("squares", func(ctx context.Context, c collections.Collection, r collections.Range) error {
		list := c.(*distcol.List[int])
		elems, err := list.Handle(r)
		if err != nil {
			return err
		}
		for i := range elems {
			elems[i] *= elems[i]
		}
		return nil
	})

Package distcol provides a ready-made in-memory Collection together
with typed constructors for actions over it.
*/
package collections
