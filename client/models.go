package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/tunnel/protocol"
)

// modelsResponse is the OpenAI-compatible inventory shape served by the
// local inference daemon at /v1/models.
type modelsResponse struct {
	Data []protocol.Model `json:"data"`
}

// FetchModels asks the local inference daemon for its model catalog. A
// daemon that is down is not an error condition for the agent; the caller
// downgrades to a catalog-less heartbeat.
func (c *Client) FetchModels(ctx context.Context) ([]protocol.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := fmt.Sprintf("http://%s/v1/models", c.localAddr())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned %s", resp.Status)
	}
	var mr modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}
	return mr.Data, nil
}
