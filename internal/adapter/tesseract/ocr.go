// Package tesseract runs the tesseract CLI as the offline OCR engine.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/user/pt-crawler/internal/repository"
)

// DefaultWhitelist restricts recognition to the characters CAPTCHAs use.
const DefaultWhitelist = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type Engine struct {
	path      string
	whitelist string
}

var _ repository.OCREngine = (*Engine)(nil)

func New(path string) *Engine {
	if path == "" {
		path = "tesseract"
	}
	return &Engine{path: path, whitelist: DefaultWhitelist}
}

// Available reports whether the binary can be found.
func (e *Engine) Available() bool {
	_, err := exec.LookPath(e.path)
	return err == nil
}

// Recognize treats the image as a single line of text (page segmentation mode 7).
func (e *Engine) Recognize(ctx context.Context, image []byte) (string, error) {
	cmd := exec.CommandContext(ctx, e.path, "stdin", "stdout",
		"--psm", "7",
		"-c", "tessedit_char_whitelist="+e.whitelist)
	cmd.Stdin = bytes.NewReader(image)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
