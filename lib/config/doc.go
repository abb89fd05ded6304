// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for conductor.
//
// Configuration is loaded from a single file specified by either the
// CONDUCTOR_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no file search. A YAML
// file is parsed directly; a .json or .jsonc file has its comments and
// trailing commas stripped first and is then parsed as YAML, of which
// JSON is a subset.
//
// The file may contain environment-specific sections (development,
// staging, production) that override logging and fan-out values when
// [Config].Environment matches. Production defaults to JSON logs.
//
// Durations are written as Go duration strings ("30s", "10m"). A zero
// or absent duration leaves the consuming component's default in
// place. ${HOME} and ${VAR:-default} are expanded in path fields
// after loading.
//
// This package depends on no other conductor packages.
package config
