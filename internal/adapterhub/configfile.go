package adapterhub

import (
	"os"
	"path/filepath"
)

// readFileIfExists returns (nil, nil) if path does not exist, mirroring
// the ACL's "missing file degrades to empty" hot-reload convention
// (internal/access/access.go).
func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func dirOf(path string) string {
	return filepath.Dir(path)
}
