// Package ffmpeg wraps the ffmpeg binary for stream-copy remuxing.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultBinary is used when no binary path is configured.
const DefaultBinary = "ffmpeg"

// maxStderr caps how much ffmpeg output is kept in an error.
const maxStderr = 2048

// ErrEmptyInput is returned when the input file has no bytes to remux.
var ErrEmptyInput = errors.New("input file is empty")

// Converter remuxes media files by invoking ffmpeg.
type Converter struct {
	Binary    string
	ExtraArgs []string
}

// NewConverter returns a Converter for binary (DefaultBinary when empty).
func NewConverter(binary string) *Converter {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	return &Converter{Binary: binary}
}

// Convert copies the streams of inputPath into outputPath without
// re-encoding; the container is chosen by ffmpeg from the output extension.
func (c *Converter) Convert(ctx context.Context, inputPath, outputPath string) error {
	info, err := os.Stat(inputPath)
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}
	if info.Size() == 0 {
		return ErrEmptyInput
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", inputPath,
		"-c", "copy",
	}
	args = append(args, c.ExtraArgs...)
	args = append(args, outputPath)

	return run(ctx, c.Binary, args...)
}

// Version returns the first line of `ffmpeg -version`, used as a startup check.
func (c *Converter) Version(ctx context.Context) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Binary, "-version")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s is not available: %w", c.Binary, err)
	}
	line, _, _ := strings.Cut(out.String(), "\n")
	return strings.TrimSpace(line), nil
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, tail(stderr.String(), maxStderr))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
