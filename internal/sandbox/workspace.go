package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"strategy-sandbox/internal/runtime"
	"strategy-sandbox/pkg/seccomp"
)

// workspace is the per-execution host directory mounted read-only into the
// sandbox. It holds the strategy, the dataset and any runtime support files.
type workspace struct {
	dir      string
	codeName string
}

func newWorkspace(execID string, rt runtime.Runtime, req Request) (*workspace, error) {
	dir, err := os.MkdirTemp("", "sandbox-"+execID+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	ws := &workspace{dir: dir, codeName: "strategy" + rt.FileExtension()}

	files := map[string][]byte{
		ws.codeName:         []byte(req.Code),
		runtime.DatasetFile: req.Dataset,
	}
	for name, data := range rt.SupportFiles() {
		files[name] = data
	}
	for name, data := range files {
		if err := ws.write(name, data); err != nil {
			ws.remove()
			return nil, err
		}
	}

	// The sandbox runs as nobody and only needs to traverse and read.
	if err := os.Chmod(dir, 0755); err != nil { // #nosec G302 -- read-only bind mount
		ws.remove()
		return nil, fmt.Errorf("chmod workspace: %w", err)
	}
	return ws, nil
}

func (ws *workspace) write(name string, data []byte) error {
	path := filepath.Join(ws.dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Chmod(path, 0444); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	return nil
}

// writeSeccomp stores the Docker seccomp profile outside the mounted set and
// returns its path.
func (ws *workspace) writeSeccomp() (string, error) {
	data, err := seccomp.DockerProfileJSON()
	if err != nil {
		return "", err
	}
	path := ws.dir + ".seccomp.json"
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	return path, nil
}

// hostPath returns the host path of a workspace file.
func (ws *workspace) hostPath(name string) string {
	return filepath.Join(ws.dir, name)
}

func (ws *workspace) remove() {
	_ = os.RemoveAll(ws.dir)
	_ = os.Remove(ws.dir + ".seccomp.json")
}
