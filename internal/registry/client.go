package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/opentenders/registry-sync/internal/log"
	"github.com/opentenders/registry-sync/internal/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry page size bounds.
const (
	MinPageSize = 10
	MaxPageSize = 50
)

const (
	defaultMinInterval   = 250 * time.Millisecond
	defaultRetry429Delay = 2 * time.Second
	defaultRetry503Delay = 3 * time.Second
	defaultMaxRetries    = 8
	requestTimeout       = 30 * time.Second
	userAgent            = "registry-sync/1.0"
)

// ErrNotFound marks a sub-resource the registry has not published yet.
var ErrNotFound = errors.New("registry: resource not found")

// StatusError is a non-retriable upstream response.
type StatusError struct {
	Code int
	Url  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry responded %d for %s", e.Code, e.Url)
}

// ClientConfig tunes the client; zero values take the registry-safe defaults.
type ClientConfig struct {
	BaseUrl       string
	MinInterval   time.Duration
	Retry429Delay time.Duration
	Retry503Delay time.Duration
	MaxRetries    int
	HttpClient    *http.Client
}

// Stats counts transient upstream pushback absorbed inside the client.
type Stats struct {
	RateLimitHits   int64
	UnavailableHits int64
}

// Client talks to the tender registry's read API. All outbound calls pass through
// a single process-wide gate enforcing a minimum inter-request interval, and
// 429/503 responses are retried internally with a fixed delay so callers only see
// final outcomes.
type Client struct {
	baseUrl       string
	httpClient    *http.Client
	minInterval   time.Duration
	retry429Delay time.Duration
	retry503Delay time.Duration
	maxRetries    int

	mu          sync.Mutex
	nextRequest time.Time

	rateLimitHits   *xsync.Counter
	unavailableHits *xsync.Counter
}

func NewClient(config *util.Config) *Client {
	return NewClientConfig(ClientConfig{BaseUrl: config.RegistryBaseUrl.Value})
}

func NewClientConfig(cfg ClientConfig) *Client {
	if cfg.MinInterval == 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if cfg.Retry429Delay == 0 {
		cfg.Retry429Delay = defaultRetry429Delay
	}
	if cfg.Retry503Delay == 0 {
		cfg.Retry503Delay = defaultRetry503Delay
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.HttpClient == nil {
		cfg.HttpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Client{
		baseUrl:         cfg.BaseUrl,
		httpClient:      cfg.HttpClient,
		minInterval:     cfg.MinInterval,
		retry429Delay:   cfg.Retry429Delay,
		retry503Delay:   cfg.Retry503Delay,
		maxRetries:      cfg.MaxRetries,
		rateLimitHits:   xsync.NewCounter(),
		unavailableHits: xsync.NewCounter(),
	}
}

// Stats returns the running totals of absorbed 429/503 responses.
func (c *Client) Stats() Stats {
	return Stats{
		RateLimitHits:   c.rateLimitHits.Value(),
		UnavailableHits: c.unavailableHits.Value(),
	}
}

// ClampPageSize bounds a requested page size to what the registry accepts.
func ClampPageSize(size int) int {
	if size < MinPageSize {
		return MinPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}

	return size
}

// FetchList retrieves one page of published tenders for a date range and modality.
func (c *Client) FetchList(ctx context.Context, params ListParams) (ListPage, error) {
	page := params.Page
	if page < 1 {
		page = 1
	}
	size := ClampPageSize(params.PageSize)

	query := url.Values{}
	query.Set("dateFrom", util.RegistryDate(params.DateFrom))
	query.Set("dateTo", util.RegistryDate(params.DateTo))
	query.Set("modality", strconv.Itoa(params.Modality))
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(size))
	if params.OrganId != "" {
		query.Set("organ", params.OrganId)
	}

	body, err := c.get(ctx, "/tenders", query)
	if errors.Is(err, ErrNotFound) {
		// an out-of-range page behaves like an empty one
		return ListPage{Page: page}, nil
	}
	if err != nil {
		return ListPage{}, err
	}

	var envelope struct {
		Data       []json.RawMessage `json:"data"`
		TotalPages int               `json:"totalPages"`
		TotalCount int               `json:"totalRecords"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		// some registry deployments return the bare array
		var items []json.RawMessage
		if arrErr := json.Unmarshal(body, &items); arrErr != nil {
			return ListPage{}, fmt.Errorf("decoding list page: %w", err)
		}
		envelope.Data = items
		envelope.TotalCount = len(items)
	}

	return ListPage{
		Items:      envelope.Data,
		Page:       page,
		TotalPages: envelope.TotalPages,
		TotalCount: envelope.TotalCount,
	}, nil
}

// FetchItems retrieves a tender's line items. A registry 404 means the tender has
// no published items yet and yields an empty result, not an error.
func (c *Client) FetchItems(ctx context.Context, organId string, year int, sequence int) ([]TenderItem, json.RawMessage, error) {
	path := fmt.Sprintf("/organizations/%s/purchases/%d/%d/items", url.PathEscape(organId), year, sequence)

	body, err := c.get(ctx, path, nil)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var items []TenderItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, nil, fmt.Errorf("decoding items: %w", err)
	}

	return items, body, nil
}

// FetchDocuments retrieves a tender's attachment metadata; 404 means no documents.
func (c *Client) FetchDocuments(ctx context.Context, organId string, year int, sequence int) ([]TenderDocument, json.RawMessage, error) {
	path := fmt.Sprintf("/organizations/%s/purchases/%d/%d/documents", url.PathEscape(organId), year, sequence)

	body, err := c.get(ctx, path, nil)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var docs []TenderDocument
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, nil, fmt.Errorf("decoding documents: %w", err)
	}

	return docs, body, nil
}

// acquire blocks until the process-wide inter-request interval has elapsed.
// Concurrent callers reserve consecutive slots, so N callers are spaced out by
// N*minInterval rather than bursting.
func (c *Client) acquire(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	at := c.nextRequest
	if at.Before(now) {
		at = now
	}
	c.nextRequest = at.Add(c.minInterval)
	c.mu.Unlock()

	return sleepUntil(ctx, at)
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	requestUrl := c.baseUrl + path
	if len(query) > 0 {
		requestUrl += "?" + query.Encode()
	}

	logger := log.GetLogger()

	for attempt := 0; ; attempt++ {
		if err := c.acquire(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestUrl, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("registry request failed: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, err
			}
			return body, nil

		case http.StatusNoContent:
			resp.Body.Close()
			return nil, ErrNotFound

		case http.StatusNotFound:
			resp.Body.Close()
			return nil, ErrNotFound

		case http.StatusTooManyRequests:
			resp.Body.Close()
			c.rateLimitHits.Inc()
			if attempt >= c.maxRetries {
				return nil, &StatusError{Code: resp.StatusCode, Url: requestUrl}
			}
			logger.WithField("Url", requestUrl).Warn("registry rate limit hit, pausing")
			if err := sleep(ctx, c.retry429Delay); err != nil {
				return nil, err
			}

		case http.StatusServiceUnavailable:
			resp.Body.Close()
			c.unavailableHits.Inc()
			if attempt >= c.maxRetries {
				return nil, &StatusError{Code: resp.StatusCode, Url: requestUrl}
			}
			logger.WithField("Url", requestUrl).Warn("registry unavailable, pausing")
			if err := sleep(ctx, c.retry503Delay); err != nil {
				return nil, err
			}

		default:
			resp.Body.Close()
			return nil, &StatusError{Code: resp.StatusCode, Url: requestUrl}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sleepUntil(ctx context.Context, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return nil
	}

	return sleep(ctx, d)
}
