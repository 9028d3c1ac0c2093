// Package defaults embeds the starter env file written by
// `termkeep init`.
package defaults

import _ "embed"

// EnvExample is the commented env file template.
//
//go:embed env.example
var EnvExample []byte
