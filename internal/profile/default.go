package profile

import (
	_ "embed"
	"fmt"
)

//go:embed default.yaml
var defaultYAML string

const defaultSource = "builtin:default.yaml"

// DefaultYAML returns the built-in routing profile document.
func DefaultYAML() string { return defaultYAML }

// Default returns a fresh copy of the built-in routing profile. It is used
// whenever no profile is given.
func Default() *Spec {
	spec, err := ParseProfileYAML(defaultSource, defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("profile: built-in default is invalid: %v", err))
	}
	return spec
}
