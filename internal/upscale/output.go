package upscale

import (
	"fmt"
	"os"
)

// VerifyOutput checks that path is a non-empty regular file. The worker runs it after the
// tool exits and the client repeats it after a successful reply.
func VerifyOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return NewError(KindOutputMissingOrEmpty, fmt.Sprintf("output image was not written: %s", path), err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return NewError(KindOutputMissingOrEmpty, fmt.Sprintf("output image is empty: %s", path), nil)
	}
	return nil
}
