// Package upscale holds the request and error types shared by the worker and its clients.
package upscale

import "fmt"

// Supported scale factors.
const (
	Scale2x = 2
	Scale3x = 3
	Scale4x = 4
)

// Request describes one upscale job. It is immutable once submitted.
type Request struct {
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path"`
	Scale      int    `json:"scale"`
}

// ValidScale reports whether scale is one the external tool accepts.
func ValidScale(scale int) bool {
	return scale == Scale2x || scale == Scale3x || scale == Scale4x
}

// Validate checks the request fields that can be verified without touching the filesystem.
func (r Request) Validate() error {
	if r.InputPath == "" {
		return NewError(KindInvalidRequest, "input path is required", nil)
	}
	if r.OutputPath == "" {
		return NewError(KindInvalidRequest, "output path is required", nil)
	}
	if !ValidScale(r.Scale) {
		return NewError(KindInvalidRequest, fmt.Sprintf("unsupported scale %d (want 2, 3 or 4)", r.Scale), nil)
	}
	return nil
}
