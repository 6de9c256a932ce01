package media

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideStore is returned for paths that resolve outside the store root.
var ErrOutsideStore = errors.New("path resolves outside reference store")

// ReferenceStore keeps enrollment reference photos on the local filesystem.
// Paths handed out and accepted are relative to the root and use forward slashes.
type ReferenceStore struct {
	basePath string
}

// NewReferenceStore creates the root directory if needed.
func NewReferenceStore(basePath string) (*ReferenceStore, error) {
	absBasePath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid reference storage path '%s': %w", basePath, err)
	}
	if err := os.MkdirAll(absBasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create reference storage directory '%s': %w", absBasePath, err)
	}
	log.Printf("media.store: reference photos under %s", absBasePath)
	return &ReferenceStore{basePath: absBasePath}, nil
}

// Root returns the absolute store root.
func (rs *ReferenceStore) Root() string { return rs.basePath }

// Save writes data to dir/filename below the root and returns the relative path.
func (rs *ReferenceStore) Save(dir, filename string, data io.Reader) (string, error) {
	if filename == "" || filename != filepath.Base(filename) {
		return "", fmt.Errorf("invalid reference filename '%s'", filename)
	}
	targetDir, err := rs.FullPath(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory '%s': %w", targetDir, err)
	}

	fullSavePath := filepath.Join(targetDir, filename)
	outFile, err := os.Create(fullSavePath)
	if err != nil {
		return "", fmt.Errorf("failed to create destination file '%s': %w", fullSavePath, err)
	}
	if _, err := io.Copy(outFile, data); err != nil {
		outFile.Close()
		os.Remove(fullSavePath)
		return "", fmt.Errorf("failed to write data to '%s': %w", fullSavePath, err)
	}
	if err := outFile.Close(); err != nil {
		os.Remove(fullSavePath)
		return "", fmt.Errorf("failed to close '%s': %w", fullSavePath, err)
	}

	relativePath, err := filepath.Rel(rs.basePath, fullSavePath)
	if err != nil {
		return "", fmt.Errorf("internal error calculating relative path: %w", err)
	}
	log.Printf("media.store: saved reference photo %s", fullSavePath)
	return filepath.ToSlash(relativePath), nil
}

// Delete removes a stored photo. A missing file is not an error.
func (rs *ReferenceStore) Delete(relativePath string) error {
	fullPath, err := rs.FullPath(relativePath)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete reference photo '%s': %w", relativePath, err)
	}
	return nil
}

// FullPath resolves relativePath below the root, rejecting traversal.
func (rs *ReferenceStore) FullPath(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("%w: '%s' is absolute", ErrOutsideStore, relativePath)
	}
	absFullPath := filepath.Join(rs.basePath, filepath.Clean(filepath.FromSlash(relativePath)))
	if absFullPath != rs.basePath && !strings.HasPrefix(absFullPath, rs.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: '%s'", ErrOutsideStore, relativePath)
	}
	return absFullPath, nil
}

// Load decodes the reference photo at relativePath. It satisfies the
// enrollment pipeline's image loader.
func (rs *ReferenceStore) Load(relativePath string) (image.Image, error) {
	fullPath, err := rs.FullPath(relativePath)
	if err != nil {
		return nil, err
	}
	return LoadImage(fullPath)
}
