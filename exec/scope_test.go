// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestScopeTable(t *testing.T) {
	scopes := newScopeTable()
	if err := scopes.open(1, 1); err != nil {
		t.Fatal(err)
	}
	if err := scopes.open(1, 1); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
	if err := scopes.add(2, 1); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	for _, delta := range []int64{1, 1, -1} {
		if err := scopes.add(1, delta); err != nil {
			t.Fatal(err)
		}
	}
	waitc := make(chan error)
	go func() {
		waitc <- scopes.wait(context.Background(), 1)
	}()
	select {
	case err := <-waitc:
		t.Fatalf("scope terminated early: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	for i := 0; i < 2; i++ {
		if err := scopes.add(1, -1); err != nil {
			t.Fatal(err)
		}
	}
	if err := <-waitc; err != nil {
		t.Fatal(err)
	}
	// Terminated scopes cannot be revived.
	if err := scopes.add(1, 1); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
	scopes.remove(1)
	if err := scopes.wait(context.Background(), 1); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}

func TestScopeWaitCancel(t *testing.T) {
	scopes := newScopeTable()
	if err := scopes.open(1, 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got, want := scopes.wait(ctx, 1), context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
