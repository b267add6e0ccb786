package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chimerapy/engine/chimera"
	"github.com/chimerapy/engine/errors"
	"github.com/chimerapy/engine/internal/httpclient"
)

// workerClient is the manager's outbound channel to one worker's
// HTTP surface (`/nodes/create`, `/nodes/start`, ...). Grounded on
// `worker/upload.go`'s use of `internal/httpclient.SaferClient` on the
// worker→manager leg, mirrored here for the manager→worker leg.
type workerClient struct {
	baseURL string
	http    *httpclient.SaferClient
}

func newWorkerClient(host string, port int) *workerClient {
	falseVal := false
	return &workerClient{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    httpclient.NewSaferClientWithOptions(30*time.Second, httpclient.SaferClientOptions{BlockPrivateIP: &falseVal}),
	}
}

func (c *workerClient) post(ctx context.Context, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return errors.Wrapf(err, "encoding request body for %s", path)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return errors.Wrapf(err, "building request for %s", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return chimera.NewConnectionLost(c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Newf("worker %s rejected %s: status %d", c.baseURL, path, resp.StatusCode)
	}
	return nil
}

func (c *workerClient) createNode(ctx context.Context, spec chimera.NodeSpec) error {
	return c.post(ctx, "/nodes/create", spec)
}

func (c *workerClient) destroyNode(ctx context.Context, nodeID string) error {
	return c.post(ctx, "/nodes/destroy", map[string]string{"node_id": nodeID})
}

func (c *workerClient) setupConnections(ctx context.Context, table chimera.NodePubTable) error {
	return c.post(ctx, "/nodes/server_data", table)
}

func (c *workerClient) startNodes(ctx context.Context) error   { return c.post(ctx, "/nodes/start", nil) }
func (c *workerClient) recordNodes(ctx context.Context) error  { return c.post(ctx, "/nodes/record", nil) }
func (c *workerClient) stopNodes(ctx context.Context) error    { return c.post(ctx, "/nodes/stop", nil) }
func (c *workerClient) collectNodes(ctx context.Context) error { return c.post(ctx, "/nodes/save", nil) }
func (c *workerClient) gatherNodes(ctx context.Context) error  { return c.post(ctx, "/nodes/gather", nil) }
