package waifu2x

import (
	"fmt"
	"os"
	"path/filepath"
)

// Resources are the absolute paths the supervisor needs before launching the tool.
type Resources struct {
	Root       string // working directory for the tool
	Executable string
	ModelDir   string
	ModelFiles []string
}

// ErrMissing is returned by Locate when a packaged resource is absent.
type ErrMissing struct {
	What string
	Path string
}

func (e *ErrMissing) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Path)
}

// Locate resolves the executable and model directory under root. The model directory must
// contain at least one file.
func Locate(root, executable, modelDir string) (*Resources, error) {
	if executable == "" {
		executable = DefaultExecutable
	}
	if modelDir == "" {
		modelDir = DefaultModelDir
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve resource root: %w", err)
	}

	if info, statErr := os.Stat(absRoot); statErr != nil || !info.IsDir() {
		return nil, &ErrMissing{What: "resource directory", Path: absRoot}
	}

	exePath := executable
	if !filepath.IsAbs(exePath) {
		exePath = filepath.Join(absRoot, executable)
	}
	if info, statErr := os.Stat(exePath); statErr != nil || info.IsDir() {
		return nil, &ErrMissing{What: "executable", Path: exePath}
	}

	modelPath := filepath.Join(absRoot, modelDir)
	entries, err := os.ReadDir(modelPath)
	if err != nil {
		return nil, &ErrMissing{What: "model directory", Path: modelPath}
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, &ErrMissing{What: "model files", Path: modelPath}
	}

	return &Resources{
		Root:       absRoot,
		Executable: exePath,
		ModelDir:   modelPath,
		ModelFiles: files,
	}, nil
}

// EnsureExecutable sets the owner/group/other execute bits on the executable.
// Packaging steps sometimes drop them.
func (r *Resources) EnsureExecutable() error {
	info, err := os.Stat(r.Executable)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode&0o111 == 0o111 {
		return nil
	}
	return os.Chmod(r.Executable, mode|0o111)
}
