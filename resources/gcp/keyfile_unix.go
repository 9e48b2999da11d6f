//go:build !windows

package gcp

import (
	"os"

	"github.com/google/renameio/v2"
)

// writeKeyFile replaces path atomically, so an interrupted run never leaves
// a truncated credentials file behind.
func writeKeyFile(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
