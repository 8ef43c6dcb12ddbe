// Package defaults provides an embedded copy of the example configuration
// file.
package defaults

import _ "embed"

//go:generate sh -c "cp ../../examples/config.example.yaml ."

// ConfigYAML is the embedded example configuration file
// (config.example.yaml in this directory).
//
//go:embed config.example.yaml
var ConfigYAML []byte
