// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package glbconfig provides a mechanism to create a load balancing
// session from a shared configuration. Glbconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.glb/config.
package glbconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/handist/collections-sub000/exec"
)

// Path determines the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.glb/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the session configuration from Path, then returns a session as
// configured by the profile and any flags provided. Parse panics if
// session creation fails.
func Parse() *exec.Session {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var sess *exec.Session
	config.Must("glb", &sess)
	return sess
}
