package harness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// SuiteResult summarizes a run over many scenario files.
type SuiteResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// FindScenarios returns the YAML files under dir whose base name (without
// extension) matches the glob filter. An empty filter matches everything.
// Files under golden/ directories are skipped.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// GoldenPath returns the golden file next to a scenario file:
// <dir>/golden/<name>.golden.
func GoldenPath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

// RunFile loads and runs one scenario file. When a golden file exists the
// run must also match it byte for byte; with update set, the golden file
// is rewritten instead.
func RunFile(ctx context.Context, path string, update bool, opts ...Option) ScenarioResult {
	res := ScenarioResult{Name: filepath.Base(path), Path: path}
	fail := func(format string, args ...any) ScenarioResult {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
		return res
	}

	scenario, err := LoadScenario(path)
	if err != nil {
		return fail("failed to load scenario: %v", err)
	}
	res.Name = scenario.Name

	result, err := Run(ctx, scenario, opts...)
	if err != nil {
		return fail("execution failed: %v", err)
	}
	data, err := NewTraceSnapshot(scenario, result).Canonical()
	if err != nil {
		return fail("failed to marshal trace: %v", err)
	}

	golden := GoldenPath(path)
	switch {
	case update:
		if err := os.MkdirAll(filepath.Dir(golden), 0o755); err != nil {
			return fail("failed to create golden directory: %v", err)
		}
		if err := os.WriteFile(golden, data, 0o644); err != nil {
			return fail("failed to write golden file: %v", err)
		}
	default:
		want, err := os.ReadFile(golden)
		switch {
		case os.IsNotExist(err):
			// No golden file: assertions only.
		case err != nil:
			return fail("failed to read golden file: %v", err)
		case !bytes.Equal(want, data):
			res.Errors = append(res.Errors, "trace does not match golden file (run with --update to regenerate)")
		}
	}

	res.Errors = append(res.Errors, result.Errors...)
	res.Pass = len(res.Errors) == 0
	return res
}

// RunSuite runs every file and tallies the results.
func RunSuite(ctx context.Context, files []string, update bool, opts ...Option) SuiteResult {
	suite := SuiteResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, f := range files {
		res := RunFile(ctx, f, update, opts...)
		if res.Pass {
			suite.Passed++
		} else {
			suite.Failed++
		}
		suite.Scenarios = append(suite.Scenarios, res)
	}
	return suite
}
