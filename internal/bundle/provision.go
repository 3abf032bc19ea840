package bundle

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// DirProvisioner returns a directory that is already materialized.
type DirProvisioner struct {
	Dir string
}

func (p DirProvisioner) Provision(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p.Dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvision, err)
	}
	return abs, nil
}

// CopyProvisioner materializes <DataDir>/<DirName> from Source the first time
// it is asked. An existing target is returned untouched.
type CopyProvisioner struct {
	Source  fs.FS
	DataDir string
	DirName string
	Log     *slog.Logger
}

func (p CopyProvisioner) Provision(ctx context.Context) (string, error) {
	target, err := filepath.Abs(filepath.Join(p.DataDir, p.DirName))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvision, err)
	}
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	if p.Source == nil {
		return "", fmt.Errorf("%w: %s does not exist and no source is configured", ErrProvision, target)
	}

	// copy into a sibling and rename so an interrupted copy never looks complete
	staging := target + ".partial"
	if err := os.RemoveAll(staging); err != nil {
		return "", fmt.Errorf("%w: clear staging dir: %v", ErrProvision, err)
	}
	if err := copyTree(ctx, p.Source, staging); err != nil {
		_ = os.RemoveAll(staging)
		return "", fmt.Errorf("%w: copy bundle: %v", ErrProvision, err)
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.RemoveAll(staging)
		return "", fmt.Errorf("%w: install bundle: %v", ErrProvision, err)
	}
	if p.Log != nil {
		p.Log.Info("resource bundle materialized", slog.String("path", target))
	}
	return target, nil
}

func copyTree(ctx context.Context, src fs.FS, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return fs.WalkDir(src, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		out := filepath.Join(dst, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		return copyFile(src, path, out)
	})
}

func copyFile(src fs.FS, path, out string) error {
	in, err := src.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, in); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
