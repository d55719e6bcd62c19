package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/mfenderov/specialist/pkg/models"
)

// Config holds Elasticsearch client configuration.
type Config struct {
	Addresses  []string
	Index      string
	Username   string
	Password   string
	Dimensions int // embedding size of the dense_vector field
}

// Client stores chunk vectors in one Elasticsearch index.
type Client struct {
	es    *elasticsearch.Client
	index string
	dims  int
}

// New creates a new Elasticsearch client.
func New(config Config) (*Client, error) {
	if config.Index == "" {
		return nil, fmt.Errorf("index name is required")
	}
	cfg := elasticsearch.Config{
		Addresses: config.Addresses,
		Username:  config.Username,
		Password:  config.Password,
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ES client: %w", err)
	}

	dims := config.Dimensions
	if dims <= 0 {
		dims = 768
	}
	return &Client{
		es:    es,
		index: config.Index,
		dims:  dims,
	}, nil
}

// Index returns the index name.
func (c *Client) Index() string {
	return c.index
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) bool {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return !res.IsError()
}

// indexMapping is the chunk index mapping. The vector size is filled in at creation.
const indexMapping = `{
	"mappings": {
		"properties": {
			"chunk_id": { "type": "keyword" },
			"source_id": { "type": "keyword" },
			"origin": { "type": "keyword" },
			"module": { "type": "keyword" },
			"title": { "type": "text" },
			"segment_index": { "type": "integer" },
			"text": { "type": "text", "analyzer": "english" },
			"token_count": { "type": "integer" },
			"fingerprint": { "type": "keyword" },
			"indexed_at": { "type": "date" },
			"embedding": {
				"type": "dense_vector",
				"dims": %d,
				"index": true,
				"similarity": "cosine"
			}
		}
	}
}`

// CreateIndex creates the index with the chunk mapping. An existing index is left alone.
func (c *Client) CreateIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == 200 {
		return nil
	}

	res, err = c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(fmt.Sprintf(indexMapping, c.dims))),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error creating index: %s", res.String())
	}

	return nil
}

// DeleteIndex removes the index (for testing/cleanup).
func (c *Client) DeleteIndex(ctx context.Context) error {
	res, err := c.es.Indices.Delete([]string{c.index}, c.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return nil
}

// chunkDoc is the stored form of a vector record.
type chunkDoc struct {
	ChunkID      string    `json:"chunk_id"`
	SourceID     string    `json:"source_id"`
	Origin       string    `json:"origin"`
	Module       string    `json:"module,omitempty"`
	Title        string    `json:"title,omitempty"`
	SegmentIndex int       `json:"segment_index"`
	Text         string    `json:"text"`
	TokenCount   int       `json:"token_count"`
	Fingerprint  string    `json:"fingerprint"`
	IndexedAt    time.Time `json:"indexed_at"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

func toDoc(r models.VectorRecord) chunkDoc {
	return chunkDoc{
		ChunkID:      r.Chunk.ChunkID,
		SourceID:     r.Chunk.SourceID,
		Origin:       string(r.Chunk.Origin),
		Module:       string(r.Chunk.ModuleHint),
		Title:        r.Chunk.Title,
		SegmentIndex: r.Chunk.SegmentIndex,
		Text:         r.Chunk.Text,
		TokenCount:   r.Chunk.TokenCount,
		Fingerprint:  r.Fingerprint,
		IndexedAt:    r.IndexedAt,
		Embedding:    r.Embedding,
	}
}

func (d chunkDoc) chunk() models.Chunk {
	return models.Chunk{
		ChunkID:      d.ChunkID,
		SourceID:     d.SourceID,
		Origin:       models.Origin(d.Origin),
		SegmentIndex: d.SegmentIndex,
		Text:         d.Text,
		TokenCount:   d.TokenCount,
		ModuleHint:   models.Module(d.Module),
		Title:        d.Title,
	}
}

// Upsert writes records in one bulk request, keyed by chunk id.
func (c *Client) Upsert(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, r := range records {
		if len(r.Embedding) != c.dims {
			return fmt.Errorf("chunk %s has %d dimensions, index expects %d", r.Chunk.ChunkID, len(r.Embedding), c.dims)
		}
		meta := map[string]any{"index": map[string]any{"_index": c.index, "_id": r.Chunk.ChunkID}}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("failed to marshal bulk action: %w", err)
		}
		if err := enc.Encode(toDoc(r)); err != nil {
			return fmt.Errorf("failed to marshal chunk: %w", err)
		}
	}

	return c.bulk(ctx, &body)
}

// Delete removes chunks by id in one bulk request. Missing ids are ignored.
func (c *Client) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, id := range chunkIDs {
		meta := map[string]any{"delete": map[string]any{"_index": c.index, "_id": id}}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("failed to marshal bulk action: %w", err)
		}
	}

	return c.bulk(ctx, &body)
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

func (c *Client) bulk(ctx context.Context, body *bytes.Buffer) error {
	res, err := c.es.Bulk(
		bytes.NewReader(body.Bytes()),
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithIndex(c.index),
		c.es.Bulk.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk error (status %d): %s", res.StatusCode, res.String())
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	return bulkFailure(br)
}

// bulkFailure reports the first failed item. A 404 on delete is success.
func bulkFailure(br bulkResponse) error {
	if !br.Errors {
		return nil
	}
	for _, item := range br.Items {
		for action, result := range item {
			if result.Status < 300 {
				continue
			}
			if action == "delete" && result.Status == 404 {
				continue
			}
			reason := ""
			if result.Error != nil {
				reason = result.Error.Type + ": " + result.Error.Reason
			}
			return fmt.Errorf("bulk %s of %s failed (status %d): %s", action, result.ID, result.Status, reason)
		}
	}
	return nil
}

// Refresh forces an index refresh (useful for testing).
func (c *Client) Refresh(ctx context.Context) error {
	res, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithContext(ctx),
		c.es.Indices.Refresh.WithIndex(c.index),
	)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("refresh error (status %d): %s", res.StatusCode, res.String())
	}
	return nil
}

// searchResponse represents ES search response structure.
type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64  `json:"_score"`
			Source chunkDoc `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a kNN query and returns the k nearest chunks with their similarity.
func (c *Client) Search(ctx context.Context, vec []float32, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	searchQuery := map[string]any{
		"knn": map[string]any{
			"field":          "embedding",
			"query_vector":   vec,
			"k":              k,
			"num_candidates": max(k*2, 50),
		},
		"size":    k,
		"_source": map[string]any{"excludes": []string{"embedding"}},
	}

	data, err := json.Marshal(searchQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search error: %s", res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	hits := make([]models.ScoredChunk, len(sr.Hits.Hits))
	for i, hit := range sr.Hits.Hits {
		hits[i] = models.ScoredChunk{Chunk: hit.Source.chunk(), Score: hit.Score}
	}
	return hits, nil
}

// getResponse represents ES get response structure.
type getResponse struct {
	Found  bool     `json:"found"`
	Source chunkDoc `json:"_source"`
}

// GetChunk retrieves a chunk by id, or nil if it is not indexed.
func (c *Client) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	res, err := c.es.Get(
		c.index,
		id,
		c.es.Get.WithContext(ctx),
		c.es.Get.WithSourceExcludes("embedding"),
	)
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		return nil, nil
	}

	if res.IsError() {
		return nil, fmt.Errorf("get error: %s", res.String())
	}

	var gr getResponse
	if err := json.NewDecoder(res.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !gr.Found {
		return nil, nil
	}

	ch := gr.Source.chunk()
	return &ch, nil
}
