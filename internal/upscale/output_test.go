package upscale

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyOutput(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "full.png")
	empty := filepath.Join(dir, "empty.png")
	require.NoError(t, os.WriteFile(full, []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	tests := map[string]struct {
		path    string
		expKind Kind
	}{
		"A non-empty file should pass.":   {path: full},
		"An empty file should fail.":      {path: empty, expKind: KindOutputMissingOrEmpty},
		"A missing file should fail.":     {path: filepath.Join(dir, "nope.png"), expKind: KindOutputMissingOrEmpty},
		"A directory should not qualify.": {path: dir, expKind: KindOutputMissingOrEmpty},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := VerifyOutput(test.path)
			assert.Equal(t, test.expKind, KindOf(err))
		})
	}
}
