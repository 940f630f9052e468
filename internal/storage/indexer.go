package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/securewatch/correlation-core/internal/event"
)

// SearchDoc is the document shape written to the search index. It mirrors the
// normalized event plus the synthesized fields the mapping defines.
type SearchDoc struct {
	ID          string    `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
	IngestedAt  time.Time `json:"ingested_at"`
	Normalized  int64     `json:"_normalized_timestamp"` // epoch millis
	SourceType  string    `json:"source_type"`
	EventID     string    `json:"event_id"`
	Severity    string    `json:"severity"`
	Category    string    `json:"category,omitempty"`
	Subcategory string    `json:"subcategory,omitempty"`
	Message     string    `json:"message"`
	SearchText  string    `json:"_search_text"`

	Host    event.Host     `json:"host"`
	User    *event.User    `json:"user,omitempty"`
	Process *event.Process `json:"process,omitempty"`
	Network *event.Network `json:"network,omitempty"`

	RiskScore       float64                `json:"risk_score,omitempty"`
	MitreTechniques []string               `json:"mitre_techniques,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// NewSearchDoc builds the index document for an event.
func NewSearchDoc(e *event.Event) SearchDoc {
	return SearchDoc{
		ID:              e.ID,
		Timestamp:       e.Timestamp,
		IngestedAt:      e.IngestedAt,
		Normalized:      e.Timestamp.UTC().UnixMilli(),
		SourceType:      string(e.Source),
		EventID:         e.EventID,
		Severity:        string(e.Severity),
		Category:        e.Category,
		Subcategory:     e.Subcategory,
		Message:         e.Message,
		SearchText:      e.SearchText(),
		Host:            e.Host,
		User:            e.User,
		Process:         e.Process,
		Network:         e.Network,
		RiskScore:       e.RiskScore,
		MitreTechniques: e.MitreTechniques,
		Tags:            e.Tags,
		Metadata:        e.Fields,
	}
}

// BulkIndexerConfig controls batching behavior.
type BulkIndexerConfig struct {
	FlushSize     int           // documents per bulk request
	FlushInterval time.Duration // max time a document waits in the buffer
}

// BulkIndexer accumulates search documents and flushes them in bulk, either
// when the buffer reaches FlushSize or when FlushInterval elapses. It also
// backs the dual-write path's synchronous batch writes through WriteEvents.
type BulkIndexer struct {
	client *SearchClient
	logger *zap.Logger
	cfg    BulkIndexerConfig

	mu      sync.Mutex
	pending []SearchDoc

	wake   chan struct{}
	done   chan struct{}
	closed sync.Once
}

// NewBulkIndexer creates the indexer and starts its flush loop.
func NewBulkIndexer(client *SearchClient, cfg BulkIndexerConfig, logger *zap.Logger) *BulkIndexer {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	b := &BulkIndexer{
		client: client,
		logger: logger,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Add queues one document. The flush loop picks it up at the next size or
// interval trigger.
func (b *BulkIndexer) Add(e *event.Event) {
	b.mu.Lock()
	b.pending = append(b.pending, NewSearchDoc(e))
	full := len(b.pending) >= b.cfg.FlushSize
	b.mu.Unlock()

	if full {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// WriteEvents indexes a batch synchronously, bypassing the buffer. The
// dual-write coordinator uses this so both backends see the same batch
// boundaries.
func (b *BulkIndexer) WriteEvents(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]SearchDoc, len(events))
	for i, e := range events {
		docs[i] = NewSearchDoc(e)
	}
	// Daily indices; a batch that straddles midnight splits into two requests.
	byIndex := make(map[string][]SearchDoc)
	for _, doc := range docs {
		idx := b.client.IndexName(doc.Timestamp)
		byIndex[idx] = append(byIndex[idx], doc)
	}
	for idx, batch := range byIndex {
		if err := b.client.BulkIndex(ctx, idx, batch); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes out everything currently buffered.
func (b *BulkIndexer) Flush(ctx context.Context) error {
	b.mu.Lock()
	docs := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(docs) == 0 {
		return nil
	}

	byIndex := make(map[string][]SearchDoc)
	indices := make([]string, 0, 2)
	for _, doc := range docs {
		idx := b.client.IndexName(doc.Timestamp)
		if _, ok := byIndex[idx]; !ok {
			indices = append(indices, idx)
		}
		byIndex[idx] = append(byIndex[idx], doc)
	}
	for i, idx := range indices {
		if err := b.client.BulkIndex(ctx, idx, byIndex[idx]); err != nil {
			b.logger.Error("Bulk flush failed",
				zap.String("index", idx),
				zap.Int("docs", len(byIndex[idx])),
				zap.Error(err))
			// Requeue the failed group and every group not yet written, so
			// the next cycle retries all of them.
			var unwritten []SearchDoc
			for _, rest := range indices[i:] {
				unwritten = append(unwritten, byIndex[rest]...)
			}
			b.mu.Lock()
			b.pending = append(unwritten, b.pending...)
			b.mu.Unlock()
			return err
		}
	}
	b.logger.Debug("Bulk flush completed", zap.Int("docs", len(docs)))
	return nil
}

// Close drains the buffer and stops the flush loop.
func (b *BulkIndexer) Close(ctx context.Context) error {
	var err error
	b.closed.Do(func() {
		close(b.done)
		err = b.Flush(ctx)
	})
	return err
}

func (b *BulkIndexer) loop() {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushInterval)
		if err := b.Flush(ctx); err != nil {
			b.logger.Warn("Scheduled bulk flush failed; documents retried next cycle", zap.Error(err))
		}
		cancel()
	}
}
