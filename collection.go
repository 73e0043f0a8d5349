// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collections

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
)

// A Collection is a single host's shard of a distributed collection.
// Collections must be safe for concurrent use: actions are invoked
// concurrently over disjoint ranges while ranges are exported and
// imported.
type Collection interface {
	// Name returns the name under which the collection was
	// registered.
	Name() string

	// Extent returns the ranges currently held by this shard. The
	// returned ranges are disjoint.
	Extent() []Range

	// Export removes the provided ranges from this shard and returns
	// an encoding of their contents. Every range must be held by the
	// shard.
	Export(ranges []Range) ([]byte, error)

	// Import materializes ranges previously encoded by Export on
	// another host's shard of the same collection.
	Import(p []byte) error
}

// A Loader instantiates the shard of a collection held by the host
// with the provided index, among numHosts hosts.
type Loader func(host, numHosts int) (Collection, error)

var (
	loadersMu sync.Mutex
	loaders   = make(map[string]Loader)
)

// Register registers a collection loader under the provided name.
// Each host calls the loader at most once per session, the first time
// an operation over the collection is launched. Register panics if
// the name is already taken.
func Register(name string, load Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	if _, ok := loaders[name]; ok {
		panic(fmt.Sprintf("collections.Register: collection %q registered twice", name))
	}
	loaders[name] = load
}

// Load instantiates the named collection's shard for the provided
// host.
func Load(name string, host, numHosts int) (Collection, error) {
	loadersMu.Lock()
	load := loaders[name]
	loadersMu.Unlock()
	if load == nil {
		return nil, errors.E(errors.NotExist,
			fmt.Sprintf("collection %q is not registered (registered: %s)", name, strings.Join(Registered(), ", ")))
	}
	c, err := load(host, numHosts)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("load collection %q on host %d", name, host), err)
	}
	if c.Name() != name {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("loader for %q returned collection %q", name, c.Name()))
	}
	return c, nil
}

// Registered returns the names of all registered collections, in
// sorted order.
func Registered() []string {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	names := make([]string, 0, len(loaders))
	for name := range loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
