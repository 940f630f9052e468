package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	swerrors "github.com/securewatch/correlation-core/internal/errors"
)

func newTestSearchClient(t *testing.T, handler http.Handler) *SearchClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSearchClient(SearchClientConfig{
		BaseURL:     srv.URL,
		Timeout:     5 * time.Second,
		MaxRetries:  2,
		TLSVerify:   true,
		IndexPrefix: "securewatch-logs",
	}, zap.NewNop())
}

func TestSearchClientIndexName(t *testing.T) {
	c := &SearchClient{prefix: "securewatch-logs"}
	ts := time.Date(2026, 3, 5, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "securewatch-logs-2026.03.05", c.IndexName(ts))
}

func TestBulkIndexSendsNDJSON(t *testing.T) {
	var body atomic.Value
	c := newTestSearchClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_bulk", r.URL.Path)
		require.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		body.Store(string(raw))
		w.Write([]byte(`{"errors":false,"items":[]}`)) //nolint:errcheck
	}))

	docs := []SearchDoc{
		{ID: "a1", Severity: "high", Message: "one"},
		{ID: "a2", Severity: "low", Message: "two"},
	}
	require.NoError(t, c.BulkIndex(context.Background(), "securewatch-logs-2026.03.05", docs))

	lines := strings.Split(strings.TrimSpace(body.Load().(string)), "\n")
	require.Len(t, lines, 4) // action + source per document

	var action map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &action))
	assert.Equal(t, "a1", action["index"]["_id"])
	assert.Equal(t, "securewatch-logs-2026.03.05", action["index"]["_index"])
}

func TestBulkIndexItemErrorFailsBatch(t *testing.T) {
	c := newTestSearchClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":true,"items":[` + //nolint:errcheck
			`{"index":{"status":400,"error":{"type":"mapper_parsing_exception","reason":"bad field"}}}]}`))
	}))

	err := c.BulkIndex(context.Background(), "idx", []SearchDoc{{ID: "a1"}})
	require.Error(t, err)

	var structured *swerrors.StructuredError
	require.True(t, errors.As(err, &structured))
	assert.Equal(t, swerrors.CodeInvalidQuery, structured.Code)
	assert.Contains(t, structured.Message, "mapper_parsing_exception")
}

func TestSearchClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	c := newTestSearchClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, int64(2), calls.Load())
}

func TestSearchClientDoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int64
	c := newTestSearchClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := c.Ping(context.Background())
	require.Error(t, err)

	var structured *swerrors.StructuredError
	require.True(t, errors.As(err, &structured))
	assert.Equal(t, swerrors.CodeAuthFailed, structured.Code)
	assert.False(t, structured.Retryable())
	assert.Equal(t, int64(1), calls.Load())
}

func TestEnsureIndexSkipsExisting(t *testing.T) {
	var puts atomic.Int64
	c := newTestSearchClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			puts.Add(1)
		}
	}))

	require.NoError(t, c.EnsureIndex(context.Background(), "securewatch-logs-2026.03.05"))
	assert.Zero(t, puts.Load())
}

func TestEnsureIndexCreatesWithMapping(t *testing.T) {
	var mapping atomic.Value
	c := newTestSearchClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			raw, _ := io.ReadAll(r.Body)
			mapping.Store(string(raw))
			w.Write([]byte(`{"acknowledged":true}`)) //nolint:errcheck
		}
	}))

	require.NoError(t, c.EnsureIndex(context.Background(), "securewatch-logs-2026.03.05"))

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(mapping.Load().(string)), &parsed))
	settings := parsed["settings"].(map[string]interface{})
	assert.Equal(t, float64(3), settings["number_of_shards"])
	props := parsed["mappings"].(map[string]interface{})["properties"].(map[string]interface{})
	assert.Contains(t, props, "_search_text")
	norm := props["_normalized_timestamp"].(map[string]interface{})
	assert.Equal(t, "epoch_millis", norm["format"])
}

func TestSearchParsesHits(t *testing.T) {
	c := newTestSearchClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/idx/_search", r.URL.Path)
		w.Write([]byte(`{"hits":{"total":{"value":2},"hits":[` + //nolint:errcheck
			`{"_id":"a1","_score":1.2,"_source":{"severity":"high"}},` +
			`{"_id":"a2","_score":0.8,"_source":{"severity":"low"}}]}}`))
	}))

	res, err := c.Search(context.Background(), "idx", map[string]interface{}{
		"query": map[string]interface{}{"match_all": map[string]interface{}{}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "a1", res.Hits[0].ID)
	assert.Equal(t, "high", res.Hits[0].Source["severity"])
}
