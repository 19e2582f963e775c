// Package archive stores delivered scans under content-addressed names so
// re-running a cycle never duplicates an image.
package archive

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Sink copies delivered files into <root>/<scanner>/<sha1>.<ext>. It
// implements the transfer handoff contract. Files whose content is
// already archived are accepted without a second copy.
type Sink struct {
	root    string
	scanner string
	logger  *zap.Logger
}

// New creates a Sink archiving under root, in a subdirectory named after
// the scanner the files come from.
func New(root, scanner string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{root: root, scanner: scanner, logger: logger}
}

// Deliver archives localPath. The destination name is the SHA-1 of the
// file contents plus the original extension, lowercased, so identical
// scans collapse to one file regardless of the device-side name.
func (s *Sink) Deliver(ctx context.Context, localPath, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sum, err := hashFile(localPath)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", localPath, err)
	}

	dir := filepath.Join(s.root, s.scanner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating archive dir %s: %w", dir, err)
	}
	name := sum
	if ext := strings.ToLower(filepath.Ext(localPath)); ext != "" {
		name += ext
	}
	dest := filepath.Join(dir, name)

	if _, err := os.Stat(dest); err == nil {
		s.logger.Info("scan already archived",
			zap.String("label", label),
			zap.String("path", dest),
		)
		return nil
	}
	if err := copyFile(localPath, dest); err != nil {
		return fmt.Errorf("archiving %s: %w", label, err)
	}
	s.logger.Info("scan archived",
		zap.String("label", label),
		zap.String("path", dest),
	)
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
