// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds conductor's CBOR configuration. WebSocket
// clients that connect with ?format=cbor receive fan-out frames as
// binary CBOR messages instead of JSON text; everything else in
// conductor speaks JSON.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same frame always produces the same bytes. Struct types rely on
// their `json` tags, which fxamacker/cbor reads when no `cbor` tag is
// present.
//
// Event payloads reach the fan-out layer as raw JSON (agent output is
// stored verbatim). [FromJSON] decodes such a document into plain Go
// values so it can be embedded in a CBOR frame as structured data
// rather than as an opaque byte string.
package codec
