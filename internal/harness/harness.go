package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/bytemapper/internal/config"
	"github.com/715d/bytemapper/pkg/bytemapper"
)

// TestCase represents a single test scenario.
type TestCase struct {
	// Dir is the directory holding old.yaml, new.yaml and expected.yaml.
	Dir string `yaml:"-"`

	// Configurations defines the matcher configurations to test.
	Configurations []Configuration `yaml:"configurations"`
}

// TestHarness manages test execution.
type TestHarness struct {
	// root is the root directory for test data
	root string
}

// NewHarness creates a new test harness.
func NewHarness(root string) *TestHarness {
	return &TestHarness{root: root}
}

// Run executes a test case with all its configurations.
func (h *TestHarness) Run(t *testing.T, tc *TestCase) *TestResult {
	t.Helper()
	require.NotEmpty(t, tc.Configurations, "test case has no configurations")

	var results []ConfigurationResult
	var allSuccess = true

	for _, cfg := range tc.Configurations {
		cfgResult := h.runConfiguration(t, tc, cfg)
		results = append(results, *cfgResult)
		if !cfgResult.Success {
			allSuccess = false
		}
	}

	// Create overall result message.
	var resultMsg string
	if allSuccess {
		resultMsg = fmt.Sprintf("All %d configurations passed", len(tc.Configurations))
	} else {
		failedCount := 0
		var msgs []string
		for _, cr := range results {
			if !cr.Success {
				failedCount++
				msgs = append(msgs, fmt.Sprintf("[%s] %s:\n  %s",
					cr.Configuration.Name, cr.Message, strings.Join(cr.Details, "\n  ")))
			}
		}
		resultMsg = fmt.Sprintf("%d/%d configurations failed:\n%s",
			failedCount, len(tc.Configurations), strings.Join(msgs, "\n"))
	}

	return &TestResult{
		TestCase:             tc,
		ConfigurationResults: results,
		Success:              allSuccess,
		Message:              resultMsg,
	}
}

// runConfiguration maps the scenario's programs under one configuration.
func (h *TestHarness) runConfiguration(t *testing.T, tc *TestCase, cfg Configuration) *ConfigurationResult {
	t.Helper()
	oldProg, newProg := LoadPrograms(t, h.root, tc.Dir)

	b := config.NewBuilder()
	adj := cfg.Config.Apply(b)
	c, built := b.Build()
	for _, a := range append(adj, built...) {
		t.Logf("[%s] configuration adjusted: %v", cfg.Name, a)
	}

	mapper, err := bytemapper.NewMapper(bytemapper.Options{Config: &c})
	require.NoError(t, err)

	result, err := mapper.Map(t.Context(), oldProg, newProg)
	if err != nil {
		for _, expectedErr := range cfg.ExpectedErrors {
			if strings.Contains(err.Error(), expectedErr) {
				return &ConfigurationResult{
					Configuration: cfg,
					Success:       true,
					Message:       fmt.Sprintf("Got expected error: %v", err),
				}
			}
		}
		require.NoError(t, err)
	}
	return validateConfigurationResults(cfg, result)
}

// validateConfigurationResults compares actual results with expected for one
// configuration.
func validateConfigurationResults(cfg Configuration, result *bytemapper.Result) *ConfigurationResult {
	cfgResult := ConfigurationResult{Configuration: cfg, Result: result}

	if err := validateExpectation(cfg.Expected); err != nil {
		cfgResult.Message = fmt.Sprintf("Invalid expected.yaml: %v", err)
		cfgResult.Details = []string{err.Error()}
		return &cfgResult
	}

	actual := func(n int, kv func(int) (string, string)) map[string]string {
		m := make(map[string]string, n)
		for i := range n {
			k, v := kv(i)
			m[k] = v
		}
		return m
	}
	var details []string
	details = append(details, compareMappings("class", cfg.Expected.Classes,
		actual(len(result.Classes), func(i int) (string, string) { return result.Classes[i].Old, result.Classes[i].New }))...)
	details = append(details, compareMappings("method", cfg.Expected.Methods,
		actual(len(result.Methods), func(i int) (string, string) { return result.Methods[i].Old, result.Methods[i].New }))...)
	details = append(details, compareMappings("field", cfg.Expected.Fields,
		actual(len(result.Fields), func(i int) (string, string) { return result.Fields[i].Old, result.Fields[i].New }))...)
	details = append(details, compareAbstentions(cfg.Expected.Abstained, result.Abstentions)...)

	cfgResult.Success = len(details) == 0
	cfgResult.Details = details
	if cfgResult.Success {
		cfgResult.Message = fmt.Sprintf("%d classes, %d methods, %d fields mapped as expected",
			len(result.Classes), len(result.Methods), len(result.Fields))
	} else {
		cfgResult.Message = fmt.Sprintf("Test failed: %d differences", len(details))
	}
	return &cfgResult
}

// ConfigurationResult represents the result of running a single configuration.
type ConfigurationResult struct {
	// Configuration is the configuration that was run.
	Configuration Configuration

	// Result is the raw result from the mapper.
	Result *bytemapper.Result

	// Success indicates if this configuration passed.
	Success bool

	// Message provides a summary of the result for this configuration.
	Message string

	// Details provides detailed information about failures for this configuration.
	Details []string
}

// TestResult represents the result of running a test case.
type TestResult struct {
	// TestCase is the test case that was run.
	TestCase *TestCase

	// ConfigurationResults contains results for each configuration.
	ConfigurationResults []ConfigurationResult

	// Success indicates if the test passed (all configurations passed)
	Success bool

	// Skipped indicates if the test was skipped.
	Skipped bool

	// Message provides a summary of the result.
	Message string
}

// validateExpectation checks that expected entries carry their required fields.
func validateExpectation(exp Expectation) error {
	for i, a := range exp.Abstained {
		if strings.TrimSpace(a.Old) == "" {
			return fmt.Errorf("abstention at index %d has empty or missing 'old' field", i)
		}
		if a.Kind != bytemapper.KindClass && a.Kind != bytemapper.KindMethod {
			return fmt.Errorf("abstention %s has kind %q, want class or method", a.Old, a.Kind)
		}
	}
	return nil
}

func compareMappings(kind string, expected, actual map[string]string) []string {
	var details []string
	for _, old := range slices.Sorted(maps.Keys(expected)) {
		got, ok := actual[old]
		switch {
		case !ok:
			details = append(details, fmt.Sprintf("Should have mapped %s %s -> %s", kind, old, expected[old]))
		case got != expected[old]:
			details = append(details, fmt.Sprintf("Mapped %s %s -> %s, want %s", kind, old, got, expected[old]))
		}
	}
	for _, old := range slices.Sorted(maps.Keys(actual)) {
		if _, ok := expected[old]; !ok {
			details = append(details, fmt.Sprintf("Should not have mapped %s %s (got %s)", kind, old, actual[old]))
		}
	}
	return details
}

func compareAbstentions(expected []ExpectedAbstain, actual []bytemapper.Abstention) []string {
	key := func(kind, old string) string { return kind + " " + old }
	got := make(map[string]bytemapper.Abstention, len(actual))
	for _, a := range actual {
		got[key(a.Kind, a.Old)] = a
	}
	want := make(map[string]ExpectedAbstain, len(expected))
	for _, e := range expected {
		want[key(e.Kind, e.Old)] = e
	}

	var details []string
	for _, k := range slices.Sorted(maps.Keys(want)) {
		e := want[k]
		a, ok := got[k]
		switch {
		case !ok:
			details = append(details, "Should have abstained: "+k)
		case e.Reason != "" && !strings.Contains(a.Reason, e.Reason):
			details = append(details, fmt.Sprintf("Abstained %s with %q, want %q", k, a.Reason, e.Reason))
		}
	}
	for _, k := range slices.Sorted(maps.Keys(got)) {
		if _, ok := want[k]; !ok {
			details = append(details, fmt.Sprintf("Should not have abstained: %s (%s)", k, got[k].Reason))
		}
	}
	return details
}
