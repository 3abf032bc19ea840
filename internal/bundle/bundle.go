// Package bundle resolves the on-disk recognition resources (model graph,
// acoustic model, word lists) and checks they are complete before a
// recognizer is loaded from them.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrProvision marks a bundle that could not be materialized or is incomplete.
var ErrProvision = errors.New("provision resource bundle")

// DefaultRequiredFiles are the files a Vosk-style model directory must carry.
var DefaultRequiredFiles = []string{"am/final.mdl", "graph/phones.txt", "graph/words.txt"}

// Bundle is a materialized resource directory.
type Bundle struct {
	Root     string
	Required []string
	Manifest *Manifest
}

// Provisioner produces the bundle root on local storage.
type Provisioner interface {
	Provision(ctx context.Context) (string, error)
}

// Open resolves a provisioned root into a Bundle, merging the required files
// declared by an optional bundle.yaml with the configured set, and verifies it.
func Open(root string, required []string) (Bundle, error) {
	b := Bundle{Root: root, Required: required}
	m, err := LoadManifest(filepath.Join(root, ManifestName))
	switch {
	case err == nil:
		if err := ValidateManifest(m); err != nil {
			return Bundle{}, fmt.Errorf("%w: %s: %v", ErrProvision, ManifestName, err)
		}
		b.Manifest = &m
		b.Required = mergeRequired(required, m.RequiredFiles)
	case errors.Is(err, os.ErrNotExist):
	default:
		return Bundle{}, fmt.Errorf("%w: %s: %v", ErrProvision, ManifestName, err)
	}
	if err := b.Verify(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

// Verify checks that the root exists and every required file is a regular file under it.
func (b Bundle) Verify() error {
	info, err := os.Stat(b.Root)
	if err != nil {
		return fmt.Errorf("%w: bundle root %s: %v", ErrProvision, b.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: bundle root %s is not a directory", ErrProvision, b.Root)
	}
	for _, rel := range b.Required {
		path, err := b.Path(rel)
		if err != nil {
			return err
		}
		fi, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("%w: required file missing: %s", ErrProvision, rel)
		}
		if fi.IsDir() {
			return fmt.Errorf("%w: required file is a directory: %s", ErrProvision, rel)
		}
	}
	return nil
}

// Path joins a bundle-relative path, refusing paths that escape the root.
func (b Bundle) Path(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes bundle root", ErrProvision, rel)
	}
	return filepath.Join(b.Root, clean), nil
}

func mergeRequired(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
