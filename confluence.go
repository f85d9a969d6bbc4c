package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const childPageLimit = 100

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrNotFound       = errors.New("not found")
)

// HTTPError represents an HTTP error with status code
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// Repository is the content source the walker and exporter read from
type Repository interface {
	SpaceHome(ctx context.Context, spaceKey string) (string, error)
	ChildPages(ctx context.Context, pageID string) ([]PageNode, error)
	Attachments(ctx context.Context, pageID string) ([]Attachment, error)
	PageBody(ctx context.Context, pageID string) (string, error)
	Download(ctx context.Context, link string) (int, io.ReadCloser, error)
}

// ConfluenceClient talks to the Confluence REST API
type ConfluenceClient struct {
	baseURL    string
	username   string
	password   string
	client     *http.Client
	downloads  *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
}

var _ Repository = (*ConfluenceClient)(nil)

// NewConfluenceClient creates a rate limited client from settings
func NewConfluenceClient(settings *Settings) *ConfluenceClient {
	return &ConfluenceClient{
		baseURL:    strings.TrimSuffix(settings.APIURL, "/"),
		username:   settings.Username,
		password:   settings.Password,
		client:     &http.Client{Timeout: settings.API.Timeout},
		downloads:  newDownloadClient(settings.API.Timeout),
		limiter:    rate.NewLimiter(rate.Limit(settings.API.RequestsPerSecond), settings.API.Burst),
		maxRetries: settings.API.MaxRetries,
		retryBase:  time.Second,
	}
}

// newDownloadClient bounds only the wait for response headers; attachment
// bodies stream for as long as they take and stop when ctx is cancelled
func newDownloadClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

type links struct {
	WebUI    string `json:"webui"`
	Download string `json:"download"`
	Next     string `json:"next"`
}

type spaceResponse struct {
	Key      string `json:"key"`
	Homepage *struct {
		ID string `json:"id"`
	} `json:"homepage"`
}

type contentResponse struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Extensions *struct {
		MediaType string `json:"mediaType"`
		FileSize  int64  `json:"fileSize"`
	} `json:"extensions"`
	Body *struct {
		View *struct {
			Value string `json:"value"`
		} `json:"view"`
	} `json:"body"`
	Links links `json:"_links"`
}

type contentListResponse struct {
	Results []contentResponse `json:"results"`
	Start   int               `json:"start"`
	Limit   int               `json:"limit"`
	Size    int               `json:"size"`
	Links   links             `json:"_links"`
}

// SpaceHome resolves the home page id of a space
func (c *ConfluenceClient) SpaceHome(ctx context.Context, spaceKey string) (string, error) {
	var space spaceResponse
	query := url.Values{"expand": {"homepage"}}
	if err := c.getJSON(ctx, "/rest/api/space/"+url.PathEscape(spaceKey), query, &space); err != nil {
		return "", fmt.Errorf("resolving space %s: %w", spaceKey, err)
	}
	if space.Homepage == nil || space.Homepage.ID == "" {
		return "", fmt.Errorf("space %s has no home page: %w", spaceKey, ErrNotFound)
	}
	return space.Homepage.ID, nil
}

// ChildPages lists the direct children of a page in API order
func (c *ConfluenceClient) ChildPages(ctx context.Context, pageID string) ([]PageNode, error) {
	results, err := c.listAll(ctx, "/rest/api/content/"+url.PathEscape(pageID)+"/child/page")
	if err != nil {
		return nil, fmt.Errorf("listing children of page %s: %w", pageID, err)
	}

	pages := make([]PageNode, 0, len(results))
	for _, r := range results {
		if r.ID == "" || r.Title == "" {
			return nil, fmt.Errorf("child of page %s without id or title", pageID)
		}
		pages = append(pages, PageNode{ID: r.ID, Title: r.Title, WebLink: r.Links.WebUI})
	}
	return pages, nil
}

// Attachments lists the attachments of a page
func (c *ConfluenceClient) Attachments(ctx context.Context, pageID string) ([]Attachment, error) {
	results, err := c.listAll(ctx, "/rest/api/content/"+url.PathEscape(pageID)+"/child/attachment")
	if err != nil {
		return nil, fmt.Errorf("listing attachments of page %s: %w", pageID, err)
	}

	attachments := make([]Attachment, 0, len(results))
	for _, r := range results {
		if r.Title == "" || r.Links.Download == "" {
			return nil, fmt.Errorf("attachment %q of page %s without title or download link", r.ID, pageID)
		}
		a := Attachment{Title: r.Title, DownloadLink: r.Links.Download}
		if r.Extensions != nil {
			a.MediaType = r.Extensions.MediaType
			a.FileSize = r.Extensions.FileSize
		}
		attachments = append(attachments, a)
	}
	return attachments, nil
}

// PageBody returns the rendered HTML body of a page
func (c *ConfluenceClient) PageBody(ctx context.Context, pageID string) (string, error) {
	var content contentResponse
	query := url.Values{"expand": {"body.view"}}
	if err := c.getJSON(ctx, "/rest/api/content/"+url.PathEscape(pageID), query, &content); err != nil {
		return "", fmt.Errorf("fetching body of page %s: %w", pageID, err)
	}
	if content.Body == nil || content.Body.View == nil {
		return "", nil
	}
	return content.Body.View.Value, nil
}

// Download issues an authenticated GET for a download link. The caller owns
// the body and decides what a non-200 status means.
func (c *ConfluenceClient) Download(ctx context.Context, link string) (int, io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(link), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.downloads.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("downloading %s: %w", link, err)
	}
	return resp.StatusCode, resp.Body, nil
}

// listAll follows start/limit pagination until the API stops returning a
// next link
func (c *ConfluenceClient) listAll(ctx context.Context, path string) ([]contentResponse, error) {
	var all []contentResponse
	start := 0
	for {
		query := url.Values{
			"start": {strconv.Itoa(start)},
			"limit": {strconv.Itoa(childPageLimit)},
		}
		var page contentListResponse
		if err := c.getJSON(ctx, path, query, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Results...)

		if len(page.Results) == 0 || page.Links.Next == "" {
			return all, nil
		}
		start += len(page.Results)
	}
}

func (c *ConfluenceClient) resolve(link string) string {
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	return c.baseURL + "/" + strings.TrimPrefix(link, "/")
}

// getJSON performs a GET and decodes the body. Rate limited responses are
// retried with backoff; everything else fails immediately.
func (c *ConfluenceClient) getJSON(ctx context.Context, path string, query url.Values, target any) error {
	u := c.resolve(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		wait, err := c.getJSONOnce(ctx, u, target)
		if err == nil {
			return nil
		}
		lastErr = err

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !isRetryableStatus(httpErr.StatusCode) || attempt == c.maxRetries {
			break
		}

		if wait <= 0 {
			wait = backoff(c.retryBase, attempt)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var httpErr *HTTPError
	if errors.As(lastErr, &httpErr) && isRetryableStatus(httpErr.StatusCode) && c.maxRetries > 0 {
		return fmt.Errorf("exceeded max retries after %d attempts: %w", c.maxRetries+1, lastErr)
	}
	return lastErr
}

// getJSONOnce returns the server's Retry-After hint alongside any error
func (c *ConfluenceClient) getJSONOnce(ctx context.Context, u string, target any) (time.Duration, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, fmt.Errorf("%w: %w", ErrAuthentication, &HTTPError{StatusCode: resp.StatusCode, URL: u})
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %w", ErrNotFound, &HTTPError{StatusCode: resp.StatusCode, URL: u})
	case resp.StatusCode != http.StatusOK:
		return retryAfter(resp.Header.Get("Retry-After")), &HTTPError{StatusCode: resp.StatusCode, URL: u}
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return 0, fmt.Errorf("decoding %s: %w", u, err)
	}
	return 0, nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// backoff returns a duration for attempt n (0-indexed) with jitter
func backoff(unit time.Duration, attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * unit
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	if base < 2 {
		return base
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}
