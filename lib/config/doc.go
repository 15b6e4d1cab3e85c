// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the declarative configuration of one beacon
// agent instance.
//
// Configuration is loaded from a single file specified by either the
// BEACON_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. The format follows the file extension: .yaml and .yml are
// YAML, .json and .jsonc are JSON with comments and trailing commas
// allowed.
//
// Path fields (the control public key and channel socket paths) have
// ${VAR} and ${VAR:-default} patterns expanded after loading. No other
// environment variables override config values.
//
// [Config.Validate] checks the whole file and reports every problem
// at once. A reference to an undefined beat class anywhere in the
// file (shed and keep lists, rules, the quarantine whitelist, handler
// restrictions) is an error.
package config
