package readers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type TxtFileReader struct{}

func (r *TxtFileReader) CanRead(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		return true
	}

	return false
}

func (r *TxtFileReader) ReadText(path string) (string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading text file: %w", err)
	}

	return strings.TrimPrefix(string(buf), "\ufeff"), nil
}
