package nodepoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	exportPath         = "/api/v1/keys/export"
	maxBodyExcerptLen  = 500
	transportRetryWait = 2 * time.Second
)

// Fetcher is the outbound dependency on the Node's paginated key export.
type Fetcher interface {
	FetchPage(ctx context.Context, page, perPage int) (*ExportPage, error)
}

// FetchError classifies a failed page fetch with the diagnostics the status
// reporter persists (HTTP code, URL, truncated body).
type FetchError struct {
	HTTPCode    int
	URL         string
	BodyExcerpt string
	Err         error
}

func (e *FetchError) Error() string {
	if e.HTTPCode > 0 {
		return fmt.Sprintf("node export fetch failed: status=%d url=%s body=%s", e.HTTPCode, e.URL, e.BodyExcerpt)
	}
	return fmt.Sprintf("node export fetch failed: url=%s err=%v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client fetches the Node's key export over HTTP.
type Client struct {
	BaseURL  string
	APIToken string

	HTTPClient *http.Client

	// retryWait is the delay before the single transport-level retry.
	retryWait time.Duration
}

// NewClient creates an export client for the given Node endpoint.
func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIToken: apiToken,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryWait: transportRetryWait,
	}
}

// FetchPage fetches one export page. perPage is clamped to [1,500]. A
// transport failure is retried exactly once after a short delay; HTTP status
// and decode failures are surfaced immediately as *FetchError.
func (c *Client) FetchPage(ctx context.Context, page, perPage int) (*ExportPage, error) {
	if page < 1 {
		page = 1
	}
	perPage = clampPerPage(perPage)

	u, err := url.Parse(c.BaseURL + exportPath)
	if err != nil {
		return nil, fmt.Errorf("invalid NODE_API_BASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	u.RawQuery = q.Encode()
	requestURL := u.String()

	resp, err := c.doWithRetry(ctx, requestURL)
	if err != nil {
		return nil, &FetchError{URL: requestURL, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{
			HTTPCode:    resp.StatusCode,
			URL:         requestURL,
			BodyExcerpt: bodyExcerpt(body),
		}
	}

	exportPage, err := decodeExportPage(body)
	if err != nil {
		return nil, &FetchError{
			HTTPCode:    resp.StatusCode,
			URL:         requestURL,
			BodyExcerpt: bodyExcerpt(body),
			Err:         err,
		}
	}
	return exportPage, nil
}

// doWithRetry issues the GET and retries once on transport-level failure.
func (c *Client) doWithRetry(ctx context.Context, requestURL string) (*http.Response, error) {
	resp, err := c.doOnce(ctx, requestURL)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.retryWait):
	}

	resp, retryErr := c.doOnce(ctx, requestURL)
	if retryErr != nil {
		return nil, errors.Join(err, retryErr)
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, requestURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIToken)
	req.Header.Set("Accept", "application/json")
	return c.HTTPClient.Do(req)
}

func bodyExcerpt(body []byte) string {
	if len(body) > maxBodyExcerptLen {
		return string(body[:maxBodyExcerptLen])
	}
	return string(body)
}

// asFetchError normalizes any fetch failure into a *FetchError for reporting.
func asFetchError(err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Err: err}
}
