// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts wall time so the orchestrator's timing
// behavior (startup and stuck timeouts, rate-limit cooldowns, flush
// windows, fan-out coalescing) can be driven deterministically in
// tests.
//
// Production code receives [Real]. Tests construct a [FakeClock] and
// move time forward explicitly with [FakeClock.Advance]; timers whose
// deadlines fall inside the advanced span fire in deadline order
// before Advance returns.
//
// Components never call time.Now, time.After, or time.AfterFunc
// directly. They hold a Clock.
package clock
