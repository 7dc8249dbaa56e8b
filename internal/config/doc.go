// Package config loads fleetd configuration from a YAML (or JSON) file named
// by FLEET_CONFIG, falling back to configs/fleet.yaml, and fills in defaults
// for every section the file leaves out.
package config
