package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/resilience"
)

// RemoteEnricher calls POST {base}/enrich on another relay instance.
// Unlike Service it returns errors so the consumer can retry.
type RemoteEnricher struct {
	url    string
	client *http.Client
}

// NewRemoteEnricher creates a client. timeout bounds each request.
func NewRemoteEnricher(baseURL string, timeout time.Duration) *RemoteEnricher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteEnricher{
		url:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/enrich",
		client: &http.Client{Timeout: timeout},
	}
}

type remoteResponse struct {
	Intent     string           `json:"intent"`
	Confidence float64          `json:"confidence"`
	Articles   []models.Article `json:"articles"`
}

// Enrich implements Enricher. Client errors (4xx) are permanent.
func (r *RemoteEnricher) Enrich(ctx context.Context, req Request) (models.EnrichmentResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.EnrichmentResult{}, resilience.Permanent(fmt.Errorf("marshal enrich request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return models.EnrichmentResult{}, resilience.Permanent(fmt.Errorf("build enrich request: %w", err))
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return models.EnrichmentResult{}, fmt.Errorf("call enrich service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("enrich service status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return models.EnrichmentResult{}, resilience.Permanent(err)
		}
		return models.EnrichmentResult{}, err
	}

	var parsed remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return models.EnrichmentResult{}, fmt.Errorf("decode enrich response: %w", err)
	}
	if parsed.Intent == "" {
		parsed.Intent = models.IntentUnknown
	}
	if parsed.Articles == nil {
		parsed.Articles = []models.Article{}
	}
	return models.EnrichmentResult{
		CallID:     req.CallID,
		Seq:        req.Seq,
		Intent:     parsed.Intent,
		Confidence: clampConfidence(parsed.Confidence),
		Articles:   parsed.Articles,
	}, nil
}
