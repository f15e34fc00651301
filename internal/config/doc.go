// Package config loads pipeline definitions from YAML.
//
// A pipeline file declares nodes, edges and engine settings. Node options
// become the plugin's configuration and must be representable as IR
// values: no nulls and no fractional numbers. Write decimals as quoted
// strings and declare them in the source's output schema.
package config
