// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package config

import (
	"net"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultScope is the alias scope used when no client-specific entry exists.
const DefaultScope = "default"

// legacySections maps the old flat section names to their hierarchical homes.
var legacySections = map[string]string{
	"tftp aliases":    "TFTP/Aliases",
	"tftp alias once": "TFTP/Alias Once",
}

// convertLegacy moves a flat "TFTP Aliases" or "TFTP Alias Once" section
// into the hierarchical layout. Keys are either "name" or "<ip> name".
// It reports whether key named a legacy section.
func convertLegacy(root *node, key string, val *yaml.Node) bool {
	base, ok := legacySections[strings.ToLower(strings.TrimSpace(key))]
	if !ok || val.Kind != yaml.MappingNode {
		return false
	}

	for i := 0; i+1 < len(val.Content); i += 2 {
		name, target := val.Content[i].Value, val.Content[i+1]
		if target.Kind != yaml.ScalarNode {
			continue
		}
		scope := DefaultScope
		if fields := strings.SplitN(name, " ", 2); len(fields) == 2 && net.ParseIP(fields[0]) != nil {
			scope, name = fields[0], fields[1]
		}
		setPath(root, Split(Join(base, scope, name)), target.Value)
	}
	return true
}
