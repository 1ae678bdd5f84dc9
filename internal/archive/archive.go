// Package archive packs upload directories into tar.gz payloads so
// they can be persisted before the on-disk copy is removed.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const ContentType = "application/gzip"

// Pack walks dir and returns a tar.gz payload containing every
// regular file under it. Entry names are relative to dir with the
// directory's base name as the top-level component, so extracting
// reproduces the original layout.
func Pack(dir string) ([]byte, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: stat %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive: %q is not a directory", dir)
	}

	base := filepath.Base(dir)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = base + "/" + filepath.ToSlash(rel)
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(fi.Mode().Perm()),
				ModTime:  fi.ModTime(),
			}
			return tw.WriteHeader(hdr)
		case fi.Mode().IsRegular():
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Size:     fi.Size(),
				Mode:     int64(fi.Mode().Perm()),
				ModTime:  fi.ModTime(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
			return nil
		default:
			// Sockets, devices and symlinks never belong in an
			// upload directory; skip rather than fail.
			return nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("archive: pack %q: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archive: close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("archive: close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// List returns the entry names of a tar.gz payload produced by Pack.
func List(payload []byte) ([]string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("archive: open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive: read tar: %w", err)
		}
		names = append(names, strings.TrimSuffix(hdr.Name, "/"))
	}
	return names, nil
}
