package assets

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"
	"testing/fstest"

	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// Limits applied while reading and unpacking a bundle.
const (
	MaxBundleSize   int64 = 50 << 20
	MaxFileSize     int64 = 10 << 20
	MaxExtractTotal int64 = 100 << 20
	MaxSignature    int64 = 16 << 10
)

// readWithHash reads at most maxSize bytes and hashes them on the way.
func readWithHash(r io.Reader, maxSize int64) ([]byte, string, error) {
	h := sha256.New()
	data, err := io.ReadAll(io.TeeReader(io.LimitReader(r, maxSize+1), h))
	if err != nil {
		return nil, "", xerrors.Wrap(err, "read")
	}
	if int64(len(data)) > maxSize {
		return nil, "", xerrors.Newf("content exceeds max size of %d bytes", maxSize)
	}
	return data, hex.EncodeToString(h.Sum(nil)), nil
}

// extractTarGz unpacks a gzipped tar into memory. Only regular files and
// directories are allowed; absolute paths and parent references fail the
// whole bundle.
func extractTarGz(data []byte) (fs.FS, int, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, xerrors.Wrap(err, "open gzip")
	}
	defer gr.Close()

	mfs := make(fstest.MapFS)
	tr := tar.NewReader(gr)
	var total int64

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, xerrors.Wrap(err, "read tar header")
		}

		name, err := cleanEntryName(hdr.Name)
		if err != nil {
			return nil, 0, err
		}
		if name == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
			if hdr.Size > MaxFileSize {
				return nil, 0, xerrors.Newf("file %s exceeds max size (%d > %d)", name, hdr.Size, MaxFileSize)
			}
			body, err := io.ReadAll(io.LimitReader(tr, MaxFileSize+1))
			if err != nil {
				return nil, 0, xerrors.Wrapf(err, "read %s", name)
			}
			if int64(len(body)) > MaxFileSize {
				return nil, 0, xerrors.Newf("file %s exceeds max size", name)
			}
			total += int64(len(body))
			if total > MaxExtractTotal {
				return nil, 0, xerrors.Newf("bundle expands past %d bytes", MaxExtractTotal)
			}
			mfs[name] = &fstest.MapFile{Data: body, Mode: hdr.FileInfo().Mode().Perm(), ModTime: hdr.ModTime}
		default:
			return nil, 0, xerrors.Newf("unsupported entry %s (type %q)", name, hdr.Typeflag)
		}
	}
	return mfs, len(mfs), nil
}

// cleanEntryName returns "" for entries naming the archive root.
func cleanEntryName(raw string) (string, error) {
	if strings.ContainsAny(raw, "\x00\\") {
		return "", xerrors.Newf("invalid path in archive: %q", raw)
	}
	if path.IsAbs(raw) {
		return "", xerrors.Newf("absolute path in archive: %s", raw)
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", xerrors.Newf("path traversal in archive: %s", raw)
		}
	}
	name := path.Clean(raw)
	if name == "." {
		return "", nil
	}
	return name, nil
}
