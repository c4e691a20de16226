// Package vectorsearch provides a small typed client for the vector store
// semantic search endpoint, which the assistant SDK does not cover.
package vectorsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Hit is one scored search result. Attributes carry the store's file
// metadata (subtopic, topic, unit identifiers and similar).
type Hit struct {
	Score      float64
	Attributes map[string]any
	Content    string
}

// AttributeFilter restricts a search to files whose attribute equals the
// given value.
type AttributeFilter struct {
	Key   string
	Value any
}

// Client talks to the vector store search API.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewClient(httpClient *http.Client, baseURL, apiKey string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient, baseURL: baseURL, apiKey: apiKey}
}

type searchRequest struct {
	Query          string         `json:"query"`
	MaxNumResults  int            `json:"max_num_results"`
	Filters        *requestFilter `json:"filters,omitempty"`
	RewriteQuery   bool           `json:"rewrite_query"`
	RankingOptions rankingOptions `json:"ranking_options"`
}

type requestFilter struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type rankingOptions struct {
	ScoreThreshold float64 `json:"score_threshold"`
}

type searchResponse struct {
	Data []struct {
		Score      float64        `json:"score"`
		Attributes map[string]any `json:"attributes"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

// Search runs a semantic search over one vector store. Results are returned
// in the API's score order.
func (c *Client) Search(ctx context.Context, vectorStoreID, query string, maxResults int, filter *AttributeFilter) ([]Hit, error) {
	reqBody := searchRequest{
		Query:         query,
		MaxNumResults: maxResults,
	}
	if filter != nil {
		reqBody.Filters = &requestFilter{Type: "eq", Key: filter.Key, Value: filter.Value}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	url := fmt.Sprintf("%s/vector_stores/%s/search", c.baseURL, vectorStoreID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector store search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("vector store search failed (status %d): %s", resp.StatusCode, string(msg))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	hits := make([]Hit, 0, len(decoded.Data))
	for _, d := range decoded.Data {
		var content string
		for _, part := range d.Content {
			if part.Type == "text" {
				content += part.Text
			}
		}
		hits = append(hits, Hit{Score: d.Score, Attributes: d.Attributes, Content: content})
	}

	log.Debug().
		Str("vector_store_id", vectorStoreID).
		Int("hits", len(hits)).
		Dur("elapsed", time.Since(start)).
		Msg("vector store search completed")
	return hits, nil
}
