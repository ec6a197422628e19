// Package configs embeds the configuration templates written by
// `lexsearch init`.
package configs

import _ "embed"

// ProjectConfigTemplate is written to .lexsearch.yaml by `lexsearch init`.
// Every active value matches the built-in default.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
