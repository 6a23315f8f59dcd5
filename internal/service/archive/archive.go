// Package archive unpacks uploaded bot archives and inspects what they
// contain. Supported layouts are zip and tar, the latter optionally
// compressed with gzip, zstd or lz4.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Format names an archive container and compression combination.
type Format string

// Supported formats.
const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
	FormatTarLZ4 Format = "tar.lz4"
)

var (
	// ErrUnsupportedFormat is returned for archives that are none of the
	// supported formats.
	ErrUnsupportedFormat = errors.New("archive: unsupported format")
	// ErrUnsafePath is returned when an entry would land outside the
	// destination directory.
	ErrUnsafePath = errors.New("archive: entry escapes destination")
	// ErrTooLarge is returned when the unpacked content exceeds the limit.
	ErrTooLarge = errors.New("archive: unpacked content too large")
	// ErrEmpty is returned when an archive holds no files.
	ErrEmpty = errors.New("archive: no files")
)

var (
	magicZip  = []byte("PK\x03\x04")
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// DetectFormat identifies the archive format from its leading bytes, falling
// back to the filename extension.
func DetectFormat(filename string, head []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(head, magicZip):
		return FormatZip, nil
	case bytes.HasPrefix(head, magicGzip):
		return FormatTarGz, nil
	case bytes.HasPrefix(head, magicZstd):
		return FormatTarZst, nil
	case bytes.HasPrefix(head, magicLZ4):
		return FormatTarLZ4, nil
	case len(head) >= 262 && string(head[257:262]) == "ustar":
		return FormatTar, nil
	}

	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		return FormatTarZst, nil
	case strings.HasSuffix(name, ".tar.lz4"):
		return FormatTarLZ4, nil
	case strings.HasSuffix(name, ".tar"):
		return FormatTar, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
}

// Result describes an unpacked archive.
type Result struct {
	Format Format
	// Root is the application root: the destination itself, or the single
	// top-level directory when the archive wraps everything in one folder.
	Root  string
	Files []string
	Bytes int64
}

// Unpacker extracts an archive into a directory.
type Unpacker interface {
	Unpack(ctx context.Context, archivePath, dest string) (Result, error)
}

// Extractor is the default Unpacker.
type Extractor struct {
	// MaxBytes bounds the total unpacked size. Zero disables the check.
	MaxBytes int64
}

var _ Unpacker = Extractor{}

// Unpack extracts archivePath into dest, which must exist.
func (e Extractor) Unpack(ctx context.Context, archivePath, dest string) (Result, error) {
	head, err := readHead(archivePath)
	if err != nil {
		return Result{}, err
	}
	format, err := DetectFormat(archivePath, head)
	if err != nil {
		return Result{}, err
	}

	w := &writer{ctx: ctx, dest: filepath.Clean(dest), limit: e.MaxBytes}
	switch format {
	case FormatZip:
		err = w.unzip(archivePath)
	default:
		err = w.untar(archivePath, format)
	}
	if err != nil {
		return Result{}, err
	}
	if len(w.files) == 0 {
		return Result{}, ErrEmpty
	}
	return Result{Format: format, Root: appRoot(w.dest), Files: w.files, Bytes: w.written}, nil
}

// Digest returns the blake3 digest and size of the file at path.
func Digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := blake3.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash archive: %w", err)
	}
	return "blake3:" + hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return head[:n], nil
}

type writer struct {
	ctx     context.Context
	dest    string
	limit   int64
	written int64
	files   []string
}

func (w *writer) unzip(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if _, err := w.mkdir(f.Name); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("open %s: %w", f.Name, err)
			}
			err = w.file(f.Name, mode.Perm(), rc)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *writer) untar(path string, format Format) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var stream io.Reader = f
	switch format {
	case FormatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		stream = gz
	case FormatTarZst:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("open zstd: %w", err)
		}
		defer dec.Close()
		stream = dec
	case FormatTarLZ4:
		stream = lz4.NewReader(f)
	}

	tr := tar.NewReader(stream)
	for {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if _, err := w.mkdir(header.Name); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := w.file(header.Name, fs.FileMode(header.Mode).Perm(), tr); err != nil {
				return err
			}
		}
	}
}

func (w *writer) target(name string) (string, string, error) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimLeft(name, "/")))
	if rel == "." {
		return w.dest, rel, nil
	}
	if !filepath.IsLocal(rel) {
		return "", "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(w.dest, rel), filepath.ToSlash(rel), nil
}

func (w *writer) mkdir(name string) (string, error) {
	target, _, err := w.target(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	return target, nil
}

func (w *writer) file(name string, perm fs.FileMode, r io.Reader) error {
	target, rel, err := w.target(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(rel), err)
	}
	if perm&0o600 != 0o600 {
		perm |= 0o600
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", rel, err)
	}
	defer out.Close()

	src := r
	if w.limit > 0 {
		src = io.LimitReader(r, w.limit-w.written+1)
	}
	n, err := io.Copy(out, src)
	w.written += n
	if err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if w.limit > 0 && w.written > w.limit {
		return ErrTooLarge
	}
	w.files = append(w.files, rel)
	return nil
}

// appRoot descends into a lone top-level directory, the usual shape of
// archives produced by zipping a project folder.
func appRoot(dest string) string {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return dest
	}
	var dirs []os.DirEntry
	for _, entry := range entries {
		if entry.Name() == "__MACOSX" {
			continue
		}
		if !entry.IsDir() {
			return dest
		}
		dirs = append(dirs, entry)
	}
	if len(dirs) == 1 {
		return filepath.Join(dest, dirs[0].Name())
	}
	return dest
}
