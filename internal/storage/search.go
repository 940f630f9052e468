package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
)

// SearchClientConfig configures the search index client.
type SearchClientConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	TLSVerify   bool
	RateLimit   rate.Limit // requests per second; 0 disables
	RateBurst   int
	IndexPrefix string
}

// SearchClient talks to the OpenSearch-compatible HTTP API: index management,
// bulk indexing, and search. Transient failures are retried with exponential
// backoff; HTTP errors map to the structured error classes.
type SearchClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
	prefix     string
}

// NewSearchClient creates a search client with secure TLS defaults.
func NewSearchClient(cfg SearchClientConfig, logger *zap.Logger) *SearchClient {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if !cfg.TLSVerify {
		tlsConfig.InsecureSkipVerify = true
		logger.Warn("TLS certificate verification is DISABLED for the search backend",
			zap.String("url", cfg.BaseURL))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	return &SearchClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig:     tlsConfig,
			},
			Timeout: timeout,
		},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		logger:     logger,
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
		prefix:     cfg.IndexPrefix,
	}
}

// IndexName returns the daily index for a timestamp: <prefix>-YYYY.MM.DD.
func (c *SearchClient) IndexName(ts time.Time) string {
	prefix := c.prefix
	if prefix == "" {
		prefix = "securewatch-logs"
	}
	return fmt.Sprintf("%s-%s", prefix, ts.UTC().Format("2006.01.02"))
}

// Ping checks backend reachability.
func (c *SearchClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/", nil)
	return err
}

// EnsureIndex creates the index with the log mapping if it does not exist.
func (c *SearchClient) EnsureIndex(ctx context.Context, index string) error {
	resp, err := c.request(ctx, http.MethodHead, "/"+index, nil)
	if err == nil && resp.StatusCode == http.StatusOK {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = c.do(ctx, http.MethodPut, "/"+index, []byte(LogIndexMapping))
	// Another writer may have raced the creation; treat the conflict as done.
	var structured *swerrors.StructuredError
	if errors.As(err, &structured) && strings.Contains(structured.Message, "resource_already_exists") {
		return nil
	}
	return err
}

// bulkResponse is the subset of the _bulk reply the indexer inspects.
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// BulkIndex writes the documents in one _bulk request. A reply with item
// errors fails the whole batch so dual-write accounting stays per batch.
func (c *SearchClient) BulkIndex(ctx context.Context, index string, docs []SearchDoc) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, doc := range docs {
		meta, _ := json.Marshal(map[string]map[string]string{
			"index": {"_index": index, "_id": doc.ID},
		})
		body, err := json.Marshal(doc)
		if err != nil {
			return swerrors.NewInternal("", err)
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(body)
		buf.WriteByte('\n')
	}

	raw, err := c.do(ctx, http.MethodPost, "/_bulk", buf.Bytes())
	if err != nil {
		return err
	}

	var reply bulkResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return swerrors.NewBackendUnavailable("opensearch", err)
	}
	if reply.Errors {
		for _, item := range reply.Items {
			for _, result := range item {
				if result.Error != nil {
					return swerrors.FromHTTPStatus("opensearch", result.Status,
						fmt.Sprintf("%s: %s", result.Error.Type, result.Error.Reason))
				}
			}
		}
		return swerrors.NewBackendUnavailable("opensearch", errors.New("bulk reply flagged errors"))
	}
	return nil
}

// SearchHit is one matching document.
type SearchHit struct {
	ID     string                 `json:"_id"`
	Score  float64                `json:"_score"`
	Source map[string]interface{} `json:"_source"`
}

// SearchResult is the subset of a search reply callers consume.
type SearchResult struct {
	Total int         `json:"total"`
	Hits  []SearchHit `json:"hits"`
}

// Search runs a query DSL body against an index.
func (c *SearchClient) Search(ctx context.Context, index string, query interface{}) (*SearchResult, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, swerrors.NewInternal("", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/"+index+"/_search", body)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []SearchHit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, swerrors.NewBackendUnavailable("opensearch", err)
	}
	return &SearchResult{Total: reply.Hits.Total.Value, Hits: reply.Hits.Hits}, nil
}

// do executes with retries and maps non-2xx replies to structured errors.
func (c *SearchClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
			if wait > 5*time.Second {
				wait = 5 * time.Second
			}
			c.logger.Debug("Retrying search request",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.request(ctx, method, path, body)
		if err != nil {
			lastErr = err
			if isTransient(err) {
				continue
			}
			return nil, swerrors.NewBackendUnavailable("opensearch", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.Body, nil
		}

		structured := swerrors.FromHTTPStatus("opensearch", resp.StatusCode, string(resp.Body))
		if structured.Retryable() {
			lastErr = structured
			continue
		}
		return nil, structured
	}

	var structured *swerrors.StructuredError
	if errors.As(lastErr, &structured) {
		return nil, structured
	}
	return nil, swerrors.NewBackendUnavailable("opensearch", lastErr)
}

type searchResponse struct {
	StatusCode int
	Body       []byte
}

func (c *SearchClient) request(ctx context.Context, method, path string, body []byte) (*searchResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, "/_bulk") {
		req.Header.Set("Content-Type", "application/x-ndjson")
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Search request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	return &searchResponse{StatusCode: resp.StatusCode, Body: raw}, nil
}

// isTransient reports whether a transport error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset", "connection refused", "network is unreachable",
		"i/o timeout", "tls handshake timeout", "eof",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
