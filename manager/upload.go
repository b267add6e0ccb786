package manager

import (
	"io"
	"os"
	"path/filepath"

	"github.com/chimerapy/engine/errors"
)

// saveUploadedFile streams an incoming multipart file part to dstPath,
// creating parent directories as needed. Mirrors
// worker.saveUploadedFile's staging-write shape at the manager's own
// artifact aggregation directory.
func saveUploadedFile(src io.Reader, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return errors.Wrap(err, "creating staging directory")
	}
	out, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrap(err, "creating staged file")
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return errors.Wrap(err, "writing staged file")
	}
	return nil
}
