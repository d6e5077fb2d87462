package enrichment

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
)

// Request is one segment to enrich.
type Request struct {
	CallID   string `json:"callId"`
	TenantID string `json:"tenantId"`
	Seq      int64  `json:"seq"`
	Text     string `json:"text"`
	IsFinal  bool   `json:"isFinal"`
}

// RequestFromSegment builds a Request from a log entry.
func RequestFromSegment(seg models.TranscriptSegment) Request {
	return Request{
		CallID:   seg.CallID,
		TenantID: seg.TenantID,
		Seq:      seg.Seq,
		Text:     seg.Text,
		IsFinal:  seg.IsFinal,
	}
}

// Enricher turns a segment into an EnrichmentResult.
type Enricher interface {
	Enrich(ctx context.Context, req Request) (models.EnrichmentResult, error)
}

// Options tune the Service.
type Options struct {
	MinTextLength    int
	ClassifyPartials bool
	ClassifyTimeout  time.Duration
	KBTimeout        time.Duration
	KBLimit          int
	CacheSize        int
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		MinTextLength:   10,
		ClassifyTimeout: 3 * time.Second,
		KBTimeout:       2 * time.Second,
		KBLimit:         5,
		CacheSize:       4096,
	}
}

type cacheKey struct {
	callID string
	seq    int64
}

// Service classifies segments and attaches knowledge-base articles.
// Enrich never fails: every failing stage degrades to its empty answer.
type Service struct {
	classifier Classifier
	taxonomy   *Taxonomy
	kb         KnowledgeBase
	opts       Options
	cache      *lru.Cache[cacheKey, models.EnrichmentResult]
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewService wires a classifier and knowledge base. A nil taxonomy uses the
// defaults and a nil kb disables article lookup.
func NewService(c Classifier, tax *Taxonomy, kb KnowledgeBase, opts Options) (*Service, error) {
	if tax == nil {
		tax = DefaultTaxonomy()
	}
	if kb == nil {
		kb = NopKnowledgeBase{}
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}
	cache, err := lru.New[cacheKey, models.EnrichmentResult](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		classifier: c,
		taxonomy:   tax,
		kb:         kb,
		opts:       opts,
		cache:      cache,
		metrics:    metrics.DefaultMetrics,
		log:        logging.WithComponent("enrichment"),
	}, nil
}

// Enrich implements Enricher. The error is always nil.
func (s *Service) Enrich(ctx context.Context, req Request) (models.EnrichmentResult, error) {
	return s.enrich(ctx, req), nil
}

func (s *Service) enrich(ctx context.Context, req Request) models.EnrichmentResult {
	// seq 0 means the request does not come from the log and is not cached
	key := cacheKey{callID: req.CallID, seq: req.Seq}
	if req.Seq > 0 {
		if res, ok := s.cache.Get(key); ok {
			return res
		}
	}

	res := models.EnrichmentResult{
		CallID:   req.CallID,
		Seq:      req.Seq,
		Intent:   models.IntentUnknown,
		Articles: []models.Article{},
	}

	text := strings.TrimSpace(req.Text)
	switch {
	case utf8.RuneCountInString(text) < s.opts.MinTextLength:
	case !req.IsFinal && !s.opts.ClassifyPartials:
	default:
		res.Intent, res.Confidence = s.classify(ctx, req, text)
		if res.Intent != models.IntentUnknown {
			res.Articles = s.articles(ctx, req, res.Intent, text)
		}
	}
	s.metrics.RecordIntent(res.Intent)

	if req.Seq > 0 {
		s.cache.Add(key, res)
	}
	return res
}

func (s *Service) classify(ctx context.Context, req Request, text string) (string, float64) {
	start := time.Now()
	cctx := ctx
	if s.opts.ClassifyTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.opts.ClassifyTimeout)
		defer cancel()
	}

	in, err := s.classifier.DetectIntent(cctx, text)
	s.metrics.RecordEnrichmentStage("classify", time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordEnrichmentFallback("classify")
		s.log.Warn().Err(err).
			Str("callId", req.CallID).
			Int64("seq", req.Seq).
			Msg("Intent classification failed, using unknown")
		return models.IntentUnknown, 0
	}

	intent := s.taxonomy.Normalize(in.Label)
	if intent == models.IntentUnknown {
		return intent, 0
	}
	return intent, clampConfidence(in.Confidence)
}

func (s *Service) articles(ctx context.Context, req Request, intent, text string) []models.Article {
	start := time.Now()
	kctx := ctx
	if s.opts.KBTimeout > 0 {
		var cancel context.CancelFunc
		kctx, cancel = context.WithTimeout(ctx, s.opts.KBTimeout)
		defer cancel()
	}

	found, err := SearchByIntent(kctx, s.kb, intent, text, SearchOptions{
		TenantID: req.TenantID,
		Limit:    s.opts.KBLimit,
	})
	s.metrics.RecordEnrichmentStage("kb", time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordEnrichmentFallback("kb")
		s.log.Warn().Err(err).
			Str("callId", req.CallID).
			Int64("seq", req.Seq).
			Str("intent", intent).
			Msg("Knowledge base search failed, returning no articles")
		return []models.Article{}
	}
	if found == nil {
		found = []models.Article{}
	}

	s.log.Debug().
		Str("callId", req.CallID).
		Int64("seq", req.Seq).
		Str("intent", intent).
		Int("articles", len(found)).
		Msg("Segment enriched")
	return found
}
