package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const registryMediaType = "application/vnd.schemaregistry.v1+json"

var errSubjectNotFound = errors.New("schema subject not found")

// SchemaRegistryClient talks to a Confluent-compatible schema registry.
type SchemaRegistryClient struct {
	base   string
	client *http.Client
}

// NewSchemaRegistryClient returns a client for the registry at baseURL.
func NewSchemaRegistryClient(baseURL string) *SchemaRegistryClient {
	return &SchemaRegistryClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// EnsureSchema resolves the id of subject, registering schema as a JSON
// schema when the registry does not know the subject.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	versions := "/subjects/" + url.PathEscape(subject) + "/versions"

	id, err := c.call(ctx, http.MethodGet, versions+"/latest", nil)
	if !errors.Is(err, errSubjectNotFound) {
		return id, err
	}

	body, err := json.Marshal(registration{SchemaType: "JSON", Schema: schema})
	if err != nil {
		return 0, err
	}
	return c.call(ctx, http.MethodPost, versions, body)
}

type registration struct {
	SchemaType string `json:"schemaType"`
	Schema     string `json:"schema"`
}

func (c *SchemaRegistryClient) call(ctx context.Context, method, path string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", registryMediaType)
	if body != nil {
		req.Header.Set("Content-Type", registryMediaType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("schema registry %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return 0, errSubjectNotFound
	case resp.StatusCode >= http.StatusMultipleChoices:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("schema registry %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(detail))
	}

	var out struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("schema registry %s %s: decode: %w", method, path, err)
	}
	return out.ID, nil
}
