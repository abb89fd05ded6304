// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Conductor runs coding-agent CLIs on behalf of chat conversations. It
// serves a small JSON API for creating conversations and submitting
// messages, and a WebSocket at /ws over which clients receive each
// agent's normalized output as it is persisted.
//
// Configuration comes from --config or CONDUCTOR_CONFIG; --listen and
// --database override the file.
package main
