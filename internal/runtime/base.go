package runtime

import (
	"fmt"

	"strategy-sandbox/internal/strategy"
)

// MaxCodeBytes bounds the size of submitted strategy source.
const MaxCodeBytes = 1 << 20

// Paths of the files a runtime sees inside its workspace.
const (
	WorkspaceDir = "/workspace"
	DatasetFile  = "dataset.csv"
)

// Runtime defines how to execute strategy code for a specific language.
type Runtime interface {
	// Name returns the runtime identifier ("python", "starlark").
	Name() strategy.Language

	// Image returns the container image reference for this runtime.
	// Runtimes that execute on the host return "".
	Image() string

	// Command returns the command and args that run the strategy at codePath
	// against the CSV at datasetPath.
	Command(codePath, datasetPath string) []string

	// FileExtension returns the file extension for code files (e.g., ".py").
	FileExtension() string

	// SupportFiles returns extra files, keyed by name, that must be placed
	// next to the strategy in the workspace.
	SupportFiles() map[string][]byte

	// Validate checks if the code is acceptable before a job is created.
	// This is a best-effort pre-check, not a full parser.
	Validate(code string) error
}

// Registry maps languages to their Runtime implementations.
type Registry struct {
	runtimes map[strategy.Language]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry(pythonImage string) *Registry {
	r := &Registry{
		runtimes: make(map[strategy.Language]Runtime),
	}
	r.Register(&PythonRuntime{ImageRef: pythonImage})
	r.Register(&StarlarkRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(lang strategy.Language) (Runtime, error) {
	rt, ok := r.runtimes[lang]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: python, starlark)", lang)
	}
	return rt, nil
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		if img := rt.Image(); img != "" {
			images = append(images, img)
		}
	}
	return images
}

func validateSize(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if len(code) > MaxCodeBytes {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}
