package runtime

import (
	_ "embed"
	"path"

	"strategy-sandbox/internal/strategy"
)

// HarnessFile is the name of the harness inside the workspace.
const HarnessFile = "harness.py"

//go:embed harness.py
var harness []byte

// DefaultPythonImage ships pandas and numpy.
const DefaultPythonImage = "docker.io/library/python:3.12-slim"

// PythonRuntime configures execution of Python strategies through the harness.
type PythonRuntime struct {
	ImageRef string
}

func (p *PythonRuntime) Name() strategy.Language { return strategy.LanguagePython }

func (p *PythonRuntime) Image() string {
	if p.ImageRef == "" {
		return DefaultPythonImage
	}
	return p.ImageRef
}

func (p *PythonRuntime) Command(codePath, datasetPath string) []string {
	return []string{
		"python3", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		"-I", // Isolated mode: ignore PYTHON* env and user site-packages
		path.Join(path.Dir(codePath), HarnessFile),
		codePath,
		datasetPath,
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) SupportFiles() map[string][]byte {
	return map[string][]byte{HarnessFile: harness}
}

func (p *PythonRuntime) Validate(code string) error {
	return validateSize(code)
}
