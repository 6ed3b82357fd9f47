// Package configs provides the embedded configuration template for quarry.
//
// The template is embedded at build time with go:embed so 'quarry config
// init' can write it without any files shipped alongside the binary. It is
// documentation as much as configuration: every key carries its default.
package configs

import _ "embed"

// ConfigTemplate is the annotated example configuration written by
// 'quarry config init'.
//
//go:embed quarry.example.yaml
var ConfigTemplate string
