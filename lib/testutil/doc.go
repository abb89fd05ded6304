// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by conductor's package tests:
// bounded channel receives and polling for asynchronous state.
//
// The helpers use real time only as a hang guard. Behavior under test
// is driven by an injected [clock.FakeClock].
package testutil
