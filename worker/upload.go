package worker

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
)

// saveUploadedFile streams an incoming multipart file part to dstPath,
// creating parent directories as needed.
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

// uploadArtifact posts a collected node's zipped output directory to
// the manager's /file/post, the Go equivalent of the source's
// client-side multipart file send in the collect flow.
func (s *Server) uploadArtifact(ctx context.Context, bundle chimera.ArtifactBundle) error {
	f, err := os.Open(bundle.ArchivePath)
	if err != nil {
		return errors.Wrapf(err, "opening archive %q", bundle.ArchivePath)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	// sender_id is the node's own id, not the worker's: the manager
	// stages artifacts per node (`<logdir>/<node_id>/<node_id>.zip`),
	// not per worker, so two nodes on the same worker never collide.
	if err := mw.WriteField("sender_id", bundle.NodeID); err != nil {
		return errors.Wrap(err, "writing sender_id field")
	}
	part, err := mw.CreateFormFile("archive", filepath.Base(bundle.ArchivePath))
	if err != nil {
		return errors.Wrap(err, "creating multipart file part")
	}
	if _, err := io.Copy(part, f); err != nil {
		return errors.Wrap(err, "copying archive into multipart body")
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "closing multipart writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.managerAddr+"/file/post", &body)
	if err != nil {
		return errors.Wrap(err, "building upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.uploadClient.Do(req)
	if err != nil {
		return chimera.NewConnectionLost(s.managerAddr)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Newf("manager rejected artifact upload for node %q: status %d", bundle.NodeID, resp.StatusCode)
	}
	return nil
}
