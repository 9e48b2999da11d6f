//go:build windows

package gcp

import "os"

func writeKeyFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}
