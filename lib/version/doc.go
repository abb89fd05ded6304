// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for conductor binaries.
//
// [Commit] and [BuildTime] may be injected with -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/conductor/lib/version.Commit=$(git rev-parse --short HEAD)"
//
// When they are not, the VCS stamp that the go command embeds
// (vcs.revision, vcs.time, vcs.modified) is used instead.
package version
