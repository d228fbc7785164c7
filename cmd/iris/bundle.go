package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hyperjump/iris/internal/config"
	"github.com/ulikunitz/xz"
)

// bundlePart maps a top-level name inside an export bundle to a configured
// file or directory.
type bundlePart struct {
	name string
	path string
}

func bundleParts(cfg *config.Config) []bundlePart {
	var parts []bundlePart
	add := func(name, p string) {
		if p != "" {
			parts = append(parts, bundlePart{name: name, path: p})
		}
	}
	if db := cfg.Storage.DatabasePath; db != "" {
		base := filepath.Base(db)
		add("db/"+base, db)
		add("db/"+base+"-wal", db+"-wal")
	}
	add("images", cfg.Storage.ImagesPath)
	add("catalog", cfg.Storage.CatalogPath)
	if p := cfg.Index.PersistPath; p != "" {
		add("index/"+filepath.Base(p), p)
	}
	return parts
}

// exportBundle writes every existing part as a tar stream compressed with xz.
// The server must not be writing while this runs.
func exportBundle(cfg *config.Config, out string) (n int, err error) {
	f, err := os.Create(out)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(out)
		}
	}()
	xw, err := xz.NewWriter(f)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(xw)

	for _, part := range bundleParts(cfg) {
		info, serr := os.Stat(part.path)
		if errors.Is(serr, fs.ErrNotExist) {
			continue
		}
		if serr != nil {
			return n, serr
		}
		if !info.IsDir() {
			if err := addFile(tw, part.path, part.name, info); err != nil {
				return n, err
			}
			n++
			continue
		}
		err := filepath.WalkDir(part.path, func(p string, d fs.DirEntry, werr error) error {
			if werr != nil || d.IsDir() {
				return werr
			}
			rel, rerr := filepath.Rel(part.path, p)
			if rerr != nil {
				return rerr
			}
			fi, ierr := d.Info()
			if ierr != nil {
				return ierr
			}
			if !fi.Mode().IsRegular() {
				return nil
			}
			n++
			return addFile(tw, p, path.Join(part.name, filepath.ToSlash(rel)), fi)
		})
		if err != nil {
			return n, err
		}
	}
	if err := tw.Close(); err != nil {
		return n, err
	}
	return n, xw.Close()
}

func addFile(tw *tar.Writer, src, name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// importBundle restores a bundle into the configured paths. Existing data is
// only replaced when force is set.
func importBundle(cfg *config.Config, in string, force bool) (int, error) {
	parts := bundleParts(cfg)
	if _, err := os.Stat(cfg.Storage.DatabasePath); err == nil {
		if !force {
			return 0, fmt.Errorf("database %s already exists (use --force to replace it)", cfg.Storage.DatabasePath)
		}
		for _, part := range parts {
			if err := os.RemoveAll(part.path); err != nil {
				return 0, err
			}
		}
	}

	f, err := os.Open(in)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("not an xz bundle: %w", err)
	}
	tr := tar.NewReader(xr)
	n := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, ok := bundleTarget(parts, hdr.Name)
		if !ok {
			return n, fmt.Errorf("unexpected bundle entry %q", hdr.Name)
		}
		if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
			return n, err
		}
		n++
	}
}

// bundleTarget resolves an entry name to its destination, rejecting names that
// would escape the part's directory.
func bundleTarget(parts []bundlePart, name string) (string, bool) {
	for _, part := range parts {
		if name == part.name {
			return part.path, true
		}
		rest, ok := strings.CutPrefix(name, part.name+"/")
		if !ok {
			continue
		}
		rel := filepath.FromSlash(rest)
		if !filepath.IsLocal(rel) {
			return "", false
		}
		return filepath.Join(part.path, rel), true
	}
	return "", false
}

func writeEntry(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
