// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/gob"
)

// A Transport delivers messages to the schedulers of a fixed set of
// hosts and returns their replies. Calls are synchronous; a nil reply
// is an acknowledgement.
type Transport interface {
	// NumHosts returns the number of hosts reachable by the
	// transport.
	NumHosts() int

	// Call delivers msg to the provided host's scheduler and returns
	// its reply.
	Call(ctx context.Context, host int, msg interface{}) (interface{}, error)
}

// envelope is the unit of transmission: messages are carried as
// interface values so that a single RPC endpoint serves all message
// types.
type envelope struct {
	Msg interface{}
}

// roundtrip returns a copy of msg obtained by encoding and decoding
// it through gob, so that in-process delivery has the same copy
// semantics as remote delivery.
func roundtrip(msg interface{}) (interface{}, error) {
	if msg == nil {
		return nil, nil
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(envelope{msg}); err != nil {
		return nil, err
	}
	var env envelope
	if err := gob.NewDecoder(&b).Decode(&env); err != nil {
		return nil, err
	}
	return env.Msg, nil
}
