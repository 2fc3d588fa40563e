package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIClient talks to the recognition service: remote image search and the
// offline record listing used by sync.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new APIClient. A zero timeout uses 30 seconds.
func NewAPIClient(baseURL string, timeout time.Duration) (*APIClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing api base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// apiSearchResponse represents the response from the search endpoint
type apiSearchResponse struct {
	Found bool   `json:"found"`
	ID    string `json:"id"`
}

// Search posts the query image to the remote search endpoint
func (a *APIClient) Search(ctx context.Context, creds Credentials, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", NewError(CodeMisuse, "api search", fmt.Errorf("encoding PNG: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/search", &buf)
	if err != nil {
		return "", NewError(CodeMisuse, "api search", fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "image/png")
	req.SetBasicAuth(creds.Key, creds.Secret)

	var resp apiSearchResponse
	if err := a.do(req, "api search", &resp); err != nil {
		return "", err
	}
	if !resp.Found {
		return "", nil
	}
	return resp.ID, nil
}

// Records fetches one page of offline records
func (a *APIClient) Records(ctx context.Context, creds Credentials, offset, limit int) (*RecordPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/records?"+q.Encode(), nil)
	if err != nil {
		return nil, NewError(CodeMisuse, "sync", fmt.Errorf("creating request: %w", err))
	}
	req.SetBasicAuth(creds.Key, creds.Secret)

	var page RecordPage
	if err := a.do(req, "sync", &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Close closes the client (no-op for HTTP client)
func (a *APIClient) Close() error {
	return nil
}

func (a *APIClient) do(req *http.Request, op string, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return transportError(req.Context(), op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return statusError(op, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(CodeGeneric, op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// transportError maps a failed round trip to a network code. A done caller
// context is a timeout (or an interruption when cancelled); the client's own
// transfer timeout means the link is too slow; anything else means there is
// no usable connection.
func transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return NewError(CodeTimeout, op, err)
		}
		return NewError(CodeInterrupted, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(CodeSlowConnection, op, err)
	}
	return NewError(CodeNoConnection, op, err)
}

// statusError maps an HTTP status to an engine code.
func statusError(op string, status int, body string) error {
	cause := fmt.Errorf("status %d: %s", status, body)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewError(CodeAuthDenied, op, cause)
	case http.StatusNotFound:
		return NewError(CodeRecordNotFound, op, cause)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return NewError(CodeTimeout, op, cause)
	case http.StatusTooManyRequests:
		return NewError(CodeSlowConnection, op, cause)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return NewError(CodeNoConnection, op, cause)
	}
	return NewError(CodeGeneric, op, cause)
}
