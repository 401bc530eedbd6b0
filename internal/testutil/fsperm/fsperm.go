package fsperm

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// AssertPrivateDirPerm fails t unless dir is a directory only its owner can
// enter.
func AssertPrivateDirPerm(t testing.TB, dir string) {
	t.Helper()
	assertPerm(t, dir, true, 0o700)
}

// AssertPrivateFilePerm fails t unless path is a regular file readable only
// by its owner.
func AssertPrivateFilePerm(t testing.TB, path string) {
	t.Helper()
	assertPerm(t, path, false, 0o600)
}

func assertPerm(t testing.TB, path string, wantDir bool, want os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err, "stat %s", path)
	require.Equal(t, wantDir, info.IsDir(), "unexpected kind for %s", path)
	if runtime.GOOS == "windows" {
		return
	}
	require.Equal(t, want, info.Mode().Perm(), "perm for %s", path)
}
