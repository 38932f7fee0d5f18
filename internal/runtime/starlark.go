package runtime

import "strategy-sandbox/internal/strategy"

// StarlarkRuntime runs strategies in the embedded interpreter, either in the
// server process or in a strategy-worker child process.
type StarlarkRuntime struct{}

func (s *StarlarkRuntime) Name() strategy.Language { return strategy.LanguageStarlark }

func (s *StarlarkRuntime) Image() string { return "" }

// Command returns the strategy-worker arguments.
func (s *StarlarkRuntime) Command(codePath, datasetPath string) []string {
	return []string{"run", "--code", codePath, "--data", datasetPath}
}

func (s *StarlarkRuntime) FileExtension() string { return ".star" }

func (s *StarlarkRuntime) SupportFiles() map[string][]byte { return nil }

func (s *StarlarkRuntime) Validate(code string) error {
	return validateSize(code)
}
