// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fanout delivers orchestrator events to real-time clients.
//
// Clients subscribe by session id or by conversation id (key
// "conv-<id>"). A handful of lifecycle event types are broadcast to
// every client regardless of subscription.
//
// Each client has its own outbound queue. Queued events are coalesced
// into one frame per flush, either a single JSON object or a JSON
// array, and the flush interval follows the latency tier the client
// reports about itself:
//
//	excellent  16ms
//	good       32ms (default)
//	fair       50ms
//	poor      100ms
//	bad       200ms
//
// A "rising" trend moves the interval halfway toward the next slower
// tier and "falling" halfway toward the next faster one. A client
// whose queue grows past [Config.MaxQueue] is disconnected with a
// policy-violation close status. Publishers never wait on a client.
//
// Clients connecting with ?format=cbor receive binary CBOR frames
// with the same structure.
package fanout
