package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/directived/pkg/domain"
)

// FileExecutor serves @file reads from beneath a root directory.
type FileExecutor struct {
	root     string
	maxBytes int64
}

// NewFileExecutor restricts reads to root. maxBytes <= 0 means 1 MiB.
func NewFileExecutor(root string, maxBytes int64) (*FileExecutor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve file root: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &FileExecutor{root: abs, maxBytes: maxBytes}, nil
}

// Execute returns the file content as a string.
func (f *FileExecutor) Execute(ctx context.Context, spec domain.QuerySpec) (domain.Value, error) {
	if spec.Kind != domain.QueryFile {
		return domain.Null(), fmt.Errorf("%w: %s", ErrUnsupportedQuery, spec.Kind)
	}
	if err := ctx.Err(); err != nil {
		return domain.Null(), err
	}
	path, err := f.resolve(spec.Path)
	if err != nil {
		return domain.Null(), err
	}
	fh, err := os.Open(path)
	if err != nil {
		return domain.Null(), fmt.Errorf("open %s: %w", spec.Path, err)
	}
	defer fh.Close()

	data, err := io.ReadAll(io.LimitReader(fh, f.maxBytes+1))
	if err != nil {
		return domain.Null(), fmt.Errorf("read %s: %w", spec.Path, err)
	}
	if int64(len(data)) > f.maxBytes {
		return domain.Null(), fmt.Errorf("read %s: file exceeds %d bytes", spec.Path, f.maxBytes)
	}
	return domain.String(string(data)), nil
}

func (f *FileExecutor) resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathOutsideRoot)
	}
	joined := filepath.Join(f.root, filepath.FromSlash(p))
	rel, err := filepath.Rel(f.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, p)
	}
	return joined, nil
}
