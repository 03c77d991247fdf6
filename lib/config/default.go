// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	_ "embed"
)

// DefaultYAML is the built-in configuration. Site configuration files
// are loaded on top of it.
//
//go:embed config.default.yml
var DefaultYAML []byte
