package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"transcript-relay-service/internal/models"
)

// SearchOptions scope a knowledge-base search.
type SearchOptions struct {
	TenantID string
	Limit    int
}

// KnowledgeBase looks up support articles.
type KnowledgeBase interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]models.Article, error)
}

// NopKnowledgeBase never returns articles.
type NopKnowledgeBase struct{}

// Search implements KnowledgeBase.
func (NopKnowledgeBase) Search(context.Context, string, SearchOptions) ([]models.Article, error) {
	return nil, nil
}

// ArticleSearcher is implemented by store.ArticleStore.
type ArticleSearcher interface {
	Search(ctx context.Context, tenantID, query string, limit int) ([]models.Article, error)
}

// DBKnowledgeBase searches articles kept in the relay's database.
type DBKnowledgeBase struct {
	articles ArticleSearcher
}

// NewDBKnowledgeBase wraps an article store.
func NewDBKnowledgeBase(articles ArticleSearcher) *DBKnowledgeBase {
	return &DBKnowledgeBase{articles: articles}
}

// Search implements KnowledgeBase.
func (d *DBKnowledgeBase) Search(ctx context.Context, query string, opts SearchOptions) ([]models.Article, error) {
	return d.articles.Search(ctx, opts.TenantID, query, opts.Limit)
}

// HTTPKnowledgeBase calls GET {base}/api/kb/search on the dashboard backend.
type HTTPKnowledgeBase struct {
	baseURL string
	client  *http.Client
}

// NewHTTPKnowledgeBase creates a client for baseURL. A nil client gets a
// 10s timeout.
func NewHTTPKnowledgeBase(baseURL string, client *http.Client) *HTTPKnowledgeBase {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPKnowledgeBase{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
	}
}

type kbSearchResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Results []struct {
		ID      string   `json:"id"`
		Title   string   `json:"title"`
		Snippet string   `json:"snippet"`
		URL     string   `json:"url"`
		Tags    []string `json:"tags"`
		Score   float64  `json:"score"`
	} `json:"results"`
}

// Search implements KnowledgeBase.
func (h *HTTPKnowledgeBase) Search(ctx context.Context, query string, opts SearchOptions) ([]models.Article, error) {
	q := url.Values{}
	q.Set("q", query)
	tenant := opts.TenantID
	if tenant == "" {
		tenant = "default"
	}
	q.Set("tenantId", tenant)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/kb/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build kb request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call kb api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("kb api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed kbSearchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode kb response: %w", err)
	}
	if !parsed.OK {
		if parsed.Error == "" {
			parsed.Error = "unknown error"
		}
		return nil, errors.New("kb api: " + parsed.Error)
	}

	out := make([]models.Article, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		out = append(out, models.Article{
			ID:      r.ID,
			Title:   r.Title,
			Snippet: r.Snippet,
			Source:  "api",
			URL:     r.URL,
			Tags:    r.Tags,
			Score:   r.Score,
		})
	}
	return out, nil
}

// ExpandTerms turns an intent and its utterance into search terms. The
// full intent comes first; the remaining terms are sorted.
func ExpandTerms(intent, text string) []string {
	set := map[string]struct{}{}
	add := func(terms ...string) {
		for _, t := range terms {
			set[t] = struct{}{}
		}
	}

	for _, w := range strings.Split(intent, "_") {
		if len(w) > 2 {
			add(w)
		}
	}

	t := strings.ToLower(text)
	has := func(s string) bool { return strings.Contains(t, s) }
	if has("credit") && has("card") {
		add("credit", "card", "credit card")
	}
	if has("debit") && has("card") {
		add("debit", "card", "debit card")
	}
	if has("account") {
		add("account")
		if has("balance") {
			add("balance", "account balance")
		}
		if has("savings") {
			add("savings", "savings account")
		}
		if has("salary") {
			add("salary", "salary account")
		}
	}
	if has("fraud") {
		add("fraud", "fraudulent")
	}
	if has("block") {
		add("block", "blocked")
	}

	delete(set, intent)
	rest := make([]string, 0, len(set))
	for term := range set {
		rest = append(rest, term)
	}
	sort.Strings(rest)
	return append([]string{intent}, rest...)
}

// SearchByIntent searches the full intent first and then each expanded
// term, deduplicating by id and stopping at opts.Limit. It fails only when
// every search failed.
func SearchByIntent(ctx context.Context, kb KnowledgeBase, intent, text string, opts SearchOptions) ([]models.Article, error) {
	if intent == "" || intent == models.IntentUnknown {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	terms := ExpandTerms(intent, text)
	perTerm := limit / len(terms)
	if perTerm == 0 {
		perTerm = 3
	}

	var (
		out      []models.Article
		seen     = map[string]struct{}{}
		attempts int
		failures int
		lastErr  error
	)
	for i, term := range terms {
		if len(out) >= limit {
			break
		}
		if len(term) < 3 {
			continue
		}
		n := perTerm
		if i == 0 {
			n = limit
		}
		attempts++
		found, err := kb.Search(ctx, term, SearchOptions{TenantID: opts.TenantID, Limit: n})
		if err != nil {
			failures++
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, a := range found {
			if _, ok := seen[a.ID]; ok || len(out) >= limit {
				continue
			}
			seen[a.ID] = struct{}{}
			out = append(out, a)
		}
	}
	if len(out) == 0 && lastErr != nil && (failures == attempts || ctx.Err() != nil) {
		return nil, lastErr
	}
	return out, nil
}
