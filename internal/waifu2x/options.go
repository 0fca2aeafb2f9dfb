// Package waifu2x builds invocations of the waifu2x-ncnn-vulkan tool and parses its output.
package waifu2x

import (
	"fmt"
	"regexp"
)

// Defaults for the external tool.
const (
	DefaultExecutable   = "waifu2x-ncnn-vulkan"
	DefaultModelDir     = "models-cunet"
	DefaultNoiseLevel   = 2
	DefaultTileSize     = 0 // 0 lets the tool pick per GPU
	DefaultGPU          = 0
	DefaultLoadProcSave = "1:2:2"
	DefaultFormat       = FormatPNG
)

// Format is an output image format understood by the tool.
type Format string

// Output formats.
const (
	FormatPNG Format = "png"
	FormatJPG Format = "jpg"
)

var loadProcSavePattern = regexp.MustCompile(`^\d+:\d+(,\d+)*:\d+$`)

// Options are the tunables of the argument template. Paths and scale come from the request.
type Options struct {
	NoiseLevel   int    `toml:"noise_level" json:"noise_level"`       // -n, 0..3
	ModelDir     string `toml:"model_dir" json:"model_dir"`           // -m, relative to the resource root
	TileSize     int    `toml:"tile_size" json:"tile_size"`           // -t
	GPU          int    `toml:"gpu" json:"gpu"`                       // -g
	LoadProcSave string `toml:"load_proc_save" json:"load_proc_save"` // -j
	TTA          bool   `toml:"tta" json:"tta"`                       // -x
	Format       Format `toml:"format" json:"format"`                 // -f
	Verbose      bool   `toml:"verbose" json:"verbose"`               // -v, needed for per-tile progress lines
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		NoiseLevel:   DefaultNoiseLevel,
		ModelDir:     DefaultModelDir,
		TileSize:     DefaultTileSize,
		GPU:          DefaultGPU,
		LoadProcSave: DefaultLoadProcSave,
		Format:       DefaultFormat,
		Verbose:      true,
	}
}

// WithDefaults fills zero-valued string fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.ModelDir == "" {
		o.ModelDir = d.ModelDir
	}
	if o.LoadProcSave == "" {
		o.LoadProcSave = d.LoadProcSave
	}
	if o.Format == "" {
		o.Format = d.Format
	}
	return o
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.NoiseLevel < -1 || o.NoiseLevel > 3 {
		return fmt.Errorf("noise level %d out of range (-1..3)", o.NoiseLevel)
	}
	if o.ModelDir == "" {
		return fmt.Errorf("model dir is required")
	}
	if o.TileSize < 0 {
		return fmt.Errorf("tile size %d must not be negative", o.TileSize)
	}
	if o.GPU < -1 {
		return fmt.Errorf("gpu index %d out of range", o.GPU)
	}
	if !loadProcSavePattern.MatchString(o.LoadProcSave) {
		return fmt.Errorf("invalid load:proc:save %q", o.LoadProcSave)
	}
	switch o.Format {
	case FormatPNG, FormatJPG:
	default:
		return fmt.Errorf("unsupported output format %q", o.Format)
	}
	return nil
}
