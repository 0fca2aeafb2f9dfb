package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/smazurov/upscaler/internal/upscale"
	"github.com/smazurov/upscaler/internal/waifu2x"
)

// resolvePaths makes the request paths absolute. The tool runs in the resource root,
// so relative paths would otherwise resolve against the wrong directory.
func resolvePaths(req upscale.Request) (upscale.Request, error) {
	in, err := filepath.Abs(req.InputPath)
	if err != nil {
		return req, upscale.NewError(upscale.KindInvalidRequest, "cannot resolve input path", err)
	}
	out, err := filepath.Abs(req.OutputPath)
	if err != nil {
		return req, upscale.NewError(upscale.KindInvalidRequest, "cannot resolve output path", err)
	}
	req.InputPath = in
	req.OutputPath = out
	return req, nil
}

func checkInput(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return upscale.NewError(upscale.KindInputNotFound, fmt.Sprintf("input image does not exist: %s", path), nil)
	}
	if err != nil {
		return upscale.NewError(upscale.KindInputNotFound, fmt.Sprintf("cannot stat input image: %s", path), err)
	}
	if info.IsDir() {
		return upscale.NewError(upscale.KindInputNotFound, fmt.Sprintf("input path is a directory: %s", path), nil)
	}
	if info.Size() == 0 {
		return upscale.NewError(upscale.KindInputEmpty, fmt.Sprintf("input image is empty: %s", path), nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return upscale.NewError(upscale.KindInputNotFound, fmt.Sprintf("input image is not readable: %s", path), err)
	}
	_ = f.Close()
	return nil
}

func prepareOutputDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return upscale.NewError(upscale.KindOutputDirUnavailable, fmt.Sprintf("cannot create output directory: %s", dir), err)
	}
	return nil
}

// removeStaleOutput deletes a previous output file. Failure is not fatal.
func removeStaleOutput(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func locateResources(root, executable, modelDir string) (*waifu2x.Resources, error) {
	res, err := waifu2x.Locate(root, executable, modelDir)
	if err != nil {
		return nil, upscale.NewError(upscale.KindResourceMissing, "upscaler resources unavailable", err)
	}
	return res, nil
}
