// Package defaults provides embedded copies of the example config and
// server catalog for the mcplink init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example mcplink.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// CatalogYAML is the example MCP server catalog.
//
//go:embed mcp.example.yaml
var CatalogYAML []byte
