// Package harness provides test harness infrastructure for validating the
// matcher against program scenarios.
package harness

import "github.com/715d/bytemapper/internal/config"

// Configuration is one matcher configuration a scenario runs under.
type Configuration struct {
	// Name is a descriptive name for this configuration.
	Name string `yaml:"name"`

	// Config overrides the default matcher configuration. Absent keys keep
	// the defaults.
	Config config.File `yaml:"config"`

	// Expected is the mapping this configuration must produce.
	Expected Expectation `yaml:"expected"`

	// ExpectedErrors lists substrings of an error the run must fail with.
	ExpectedErrors []string `yaml:"expected_errors"`
}

// Expectation is the complete expected outcome. Every map is old id to new
// id; a mapping missing here but produced by the run is a failure.
type Expectation struct {
	Classes   map[string]string `yaml:"classes"`
	Methods   map[string]string `yaml:"methods"`
	Fields    map[string]string `yaml:"fields"`
	Abstained []ExpectedAbstain `yaml:"abstained"`
}

// ExpectedAbstain is an entity expected to be left unmapped.
type ExpectedAbstain struct {
	Kind string `yaml:"kind"`
	Old  string `yaml:"old"`
	// Reason, when set, must be contained in the reported reason.
	Reason string `yaml:"reason,omitempty"`
}
