// Package sync drains the local operation queue against the remote
// persistence API and performs the first-run bootstrap load.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/siteworks/blockersync/internal/models"
)

// Remote is the remote persistence API, per entity type. Entity ids are
// client-generated, so Create must tolerate a replay of the same id after
// an ambiguous failure (servers upsert by id).
type Remote interface {
	Create(ctx context.Context, entityType models.EntityType, data json.RawMessage) error
	Update(ctx context.Context, entityType models.EntityType, id string, data json.RawMessage) error
	Delete(ctx context.Context, entityType models.EntityType, id string) error

	// FetchAll reads a full collection; used once at bootstrap.
	FetchAll(ctx context.Context, entityType models.EntityType) ([]json.RawMessage, error)
}

// HTTPRemote talks JSON to the hosted backend. Entity collections live
// under /api/<table>.
type HTTPRemote struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPRemote creates a remote client with a bounded-time transport.
// Per-item deadlines come from the synchronizer's context on top of this.
func NewHTTPRemote(baseURL string) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (r *HTTPRemote) collectionURL(t models.EntityType) string {
	return fmt.Sprintf("%s/api/%s", r.BaseURL, t.TableName())
}

func (r *HTTPRemote) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: remote returned %d: %s", method, url, resp.StatusCode, truncate(respBody, 256))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Create implements Remote. The body carries the client-generated id.
func (r *HTTPRemote) Create(ctx context.Context, entityType models.EntityType, data json.RawMessage) error {
	_, err := r.do(ctx, http.MethodPost, r.collectionURL(entityType), data)
	return err
}

// Update implements Remote.
func (r *HTTPRemote) Update(ctx context.Context, entityType models.EntityType, id string, data json.RawMessage) error {
	url := fmt.Sprintf("%s/%s", r.collectionURL(entityType), id)
	_, err := r.do(ctx, http.MethodPut, url, data)
	return err
}

// Delete implements Remote.
func (r *HTTPRemote) Delete(ctx context.Context, entityType models.EntityType, id string) error {
	url := fmt.Sprintf("%s/%s", r.collectionURL(entityType), id)
	_, err := r.do(ctx, http.MethodDelete, url, nil)
	return err
}

// FetchAll implements Remote.
func (r *HTTPRemote) FetchAll(ctx context.Context, entityType models.EntityType) ([]json.RawMessage, error) {
	body, err := r.do(ctx, http.MethodGet, r.collectionURL(entityType), nil)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode %s collection: %w", entityType, err)
	}
	return items, nil
}
