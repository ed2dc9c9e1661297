package importer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// hashSize is the number of digest bytes kept for the content hash.
const hashSize = 16

// stagedFile is an upload spooled into the work directory.
type stagedFile struct {
	Path string
	Hash string // hex BLAKE3 of the raw upload bytes
	Size int64
}

// spool copies r into a uniquely named file in dir while hashing it. A
// partial file is removed on error.
func spool(dir string, r io.Reader, maxSize int64) (stagedFile, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return stagedFile{}, fmt.Errorf("create work dir: %w", err)
	}

	path := filepath.Join(dir, "upload_"+uuid.NewString()+".part")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return stagedFile{}, fmt.Errorf("create spool file: %w", err)
	}

	src := r
	if maxSize > 0 {
		src = newLimitReader(r, maxSize)
	}

	hasher := blake3.New()
	n, copyErr := io.Copy(io.MultiWriter(f, hasher), src)
	closeErr := f.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return stagedFile{}, fmt.Errorf("spool upload: %w", err)
	}

	var sum [hashSize]byte
	_, _ = hasher.Digest().Read(sum[:])

	return stagedFile{
		Path: path,
		Hash: fmt.Sprintf("%x", sum),
		Size: n,
	}, nil
}

// runFileName is the staged name of a run's upload.
func runFileName(runID int64, fingerprint string) string {
	return fmt.Sprintf("vendor_import_%d_%s.csv", runID, fingerprint)
}

// removeFile deletes path, ignoring a file that is already gone.
func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
