package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cuemby/noded/pkg/log"
)

// localFetcher implements depcache.Fetcher against bundle directories
// that live on this same node's disk under <workDir>/runs/<uuid>. This
// is the concrete shape the dependency cache's external transfer takes
// in a single-node deployment; a multi-node cluster would instead pull
// from the parent bundle's node over the network, behind the same
// interface.
type localFetcher struct {
	workDir string
}

func (f *localFetcher) Fetch(ctx context.Context, parentUUID, parentPath, destPath string) error {
	source := filepath.Join(f.workDir, "runs", parentUUID, parentPath)
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("dependency source %s: %w", source, err)
	}

	if info.IsDir() {
		return copyDir(source, destPath)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o770); err != nil {
		return err
	}
	return copyFile(source, destPath)
}

func copyDir(source, dest string) error {
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o770)
		}
		return copyFile(path, target)
	})
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o770); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// noopUploader is the placeholder upload_bundle_contents callback: the
// outer worker loop that talks to the scheduler and actually ships
// bundle output upstream is out of scope here, so this just logs and
// reports success, letting every run reach FINALIZING on its own.
func noopUploader(ctx context.Context, uuid string) error {
	log.WithBundle(uuid).Debug().Msg("upload_bundle_contents not wired to a scheduler; treating as succeeded")
	return nil
}
