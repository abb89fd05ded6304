// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mockagent implements scripted fake agents for tests and
// local development. A scenario plays one agent behaviour (a clean
// turn, a crash, a rate limit, a hang) over either wire protocol so
// the runner and orchestrator can be exercised end to end without a
// real model backend.
//
// Tests typically re-exec their own binary: TestMain checks
// [ModeEnv] and, when set, calls [Run] instead of the test suite.
package mockagent
