package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/roach88/fkg/internal/model"
)

// MaxFileSize bounds any single file read from a container.
const MaxFileSize = 512 << 20

// WriteZip writes enc as a zip archive. Files appear in manifest-first order
// and carry the manifest's creation time, so equal snapshots produce equal
// archives.
func WriteZip(w io.Writer, enc *Encoded) error {
	zw := zip.NewWriter(w)
	modified := enc.Manifest.CreatedAt.UTC()

	for _, name := range enc.Files.Paths() {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return fmt.Errorf("zip %s: %w", name, err)
		}
		if _, err := fw.Write(enc.Files[name]); err != nil {
			return fmt.Errorf("zip %s: %w", name, err)
		}
	}

	if _, err := zw.CreateHeader(&zip.FileHeader{
		Name:     model.DirSignatures,
		Method:   zip.Store,
		Modified: modified,
	}); err != nil {
		return fmt.Errorf("zip %s: %w", model.DirSignatures, err)
	}

	return zw.Close()
}

// WriteZipFile writes enc to a zip archive at path.
func WriteZipFile(path string, enc *Encoded) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteZip(f, enc)
}

// WriteDir writes enc as a plain directory tree rooted at dir.
func WriteDir(dir string, enc *Encoded) error {
	if err := os.MkdirAll(filepath.Join(dir, model.DirSignatures), 0o755); err != nil {
		return err
	}
	for _, name := range enc.Files.Paths() {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, enc.Files[name], 0o644); err != nil {
			return err
		}
	}
	return nil
}

// ReadZip reads every regular file of a zip archive. A single top-level
// directory shared by all entries is stripped.
func ReadZip(data []byte) (FileSet, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	raw := make(FileSet, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := cleanPath(f.Name)
		if err != nil {
			return nil, err
		}
		if f.UncompressedSize64 > MaxFileSize {
			return nil, fmt.Errorf("zip entry %s exceeds %d bytes", name, MaxFileSize)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, MaxFileSize+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", name, err)
		}
		if len(content) > MaxFileSize {
			return nil, fmt.Errorf("zip entry %s exceeds %d bytes", name, MaxFileSize)
		}
		raw[name] = content
	}
	return stripCommonDir(raw), nil
}

// ReadDir reads a snapshot laid out as a directory tree.
func ReadDir(dir string) (FileSet, error) {
	files := make(FileSet)
	root := os.DirFS(dir)
	err := fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxFileSize {
			return fmt.Errorf("%s exceeds %d bytes", p, MaxFileSize)
		}
		data, err := fs.ReadFile(root, p)
		if err != nil {
			return err
		}
		files[p] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir %s: %w", dir, err)
	}
	return files, nil
}

// ReadPath reads a snapshot from a zip file or a directory.
func ReadPath(p string) (FileSet, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return ReadDir(p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return ReadZip(data)
}

// cleanPath rejects entry names that would escape the snapshot root.
func cleanPath(name string) (string, error) {
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("zip entry %q has an unsafe path", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("zip entry %q has an unsafe path", name)
	}
	return clean, nil
}

func stripCommonDir(files FileSet) FileSet {
	if _, ok := files[model.FileManifest]; ok {
		return files
	}
	var prefix string
	for name := range files {
		dir, _, ok := strings.Cut(name, "/")
		if !ok {
			return files
		}
		if prefix == "" {
			prefix = dir
		} else if dir != prefix {
			return files
		}
	}
	if prefix == "" {
		return files
	}
	out := make(FileSet, len(files))
	for name, data := range files {
		out[strings.TrimPrefix(name, prefix+"/")] = data
	}
	return out
}
