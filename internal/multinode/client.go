package multinode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/haatos/simple-lava/internal/httpclient"
)

// Coordinator sends one request to the coordinator.
type Coordinator interface {
	Request(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient talks to the coordinator JSON API. Dropped connections are
// retried, replies of the coordinator are not.
type HTTPClient struct {
	BaseURL string
	Client  *retryablehttp.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  httpclient.New(logger, httpclient.ForTimeout(timeout)),
	}
}

func (c *HTTPClient) Request(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("err marshaling request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/groups/%s/messages", c.BaseURL, url.PathEscape(req.GroupName))
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("err creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("err sending %s to coordinator: %w", req.Request, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf(
			"coordinator rejected %s with %d: %s",
			req.Request,
			res.StatusCode,
			strings.TrimSpace(string(b)),
		)
	}
	var resp Response
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("err decoding coordinator response: %w", err)
	}
	return &resp, nil
}
