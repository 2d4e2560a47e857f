package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/lupppig/snsbus/internal/httpclient"
	"github.com/lupppig/snsbus/internal/server"
)

// APIError is an error body returned by the server.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type apiClient struct {
	http *httpclient.Client
	base string
	user string
}

func (o *globalOptions) client() *apiClient {
	return &apiClient{
		http: httpclient.New(o.timeout),
		base: strings.TrimRight(o.server, "/"),
		user: o.user,
	}
}

func (c *apiClient) headers() map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if c.user != "" {
		h[server.HeaderUser] = c.user
	}
	return h
}

// call sends body as JSON, or as-is when it is a []byte, and decodes the
// response into out when out is non-nil.
func (c *apiClient) call(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = data
	}

	resp, err := c.http.Do(ctx, method, c.base+path, payload, c.headers())
	if err != nil {
		return err
	}
	if !resp.OK() {
		apiErr := &APIError{Status: resp.StatusCode}
		json.Unmarshal([]byte(resp.Body), apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(resp.Body), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.call(ctx, http.MethodGet, path, nil, out)
}

func arnPath(prefix, arn string) string {
	return prefix + "/" + url.PathEscape(arn)
}
