package orchestrator

import (
	"fmt"
	"io"
	"os"
)

// Concatenate writes the files in paths, in order, byte for byte into
// outputPath and returns outputPath. Empty entries are dropped segments and
// are skipped. outputPath is truncated if it exists.
func Concatenate(paths []string, outputPath string) (_ string, err error) {
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := appendFile(out, p); err != nil {
			return "", fmt.Errorf("append %s: %w", p, err)
		}
	}
	return outputPath, nil
}

func appendFile(dst io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(dst, in)
	return err
}
