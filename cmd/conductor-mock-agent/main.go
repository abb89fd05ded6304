// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// conductor-mock-agent is a scripted fake agent. Point an agent
// profile's command at it to exercise conductor without a model
// backend:
//
//	conductor-mock-agent --mode acp --scenario echo
package main

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conductor/lib/mockagent"
)

func main() {
	flags := pflag.NewFlagSet("conductor-mock-agent", pflag.ExitOnError)
	mode := flags.String("mode", mockagent.ModeDirect, "wire protocol: direct or acp")
	scenario := flags.String("scenario", "echo", "scripted behaviour to play")
	flags.Parse(os.Args[1:])

	os.Exit(mockagent.Run(*mode, *scenario, flags.Args(), os.Stdin, os.Stdout, os.Stderr))
}
