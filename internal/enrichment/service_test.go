package enrichment

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcript-relay-service/internal/models"
)

type scriptedClassifier struct {
	calls  atomic.Int32
	intent Intent
	err    error
	block  bool
}

func (s *scriptedClassifier) DetectIntent(ctx context.Context, _ string) (Intent, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return Intent{}, ctx.Err()
	}
	return s.intent, s.err
}

func newTestService(t *testing.T, c Classifier, kb KnowledgeBase, mutate func(*Options)) *Service {
	t.Helper()
	opts := DefaultOptions()
	opts.ClassifyTimeout = 50 * time.Millisecond
	opts.KBTimeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewService(c, nil, kb, opts)
	require.NoError(t, err)
	return svc
}

func TestService_Enrich(t *testing.T) {
	c := &scriptedClassifier{intent: Intent{Label: "creditcard", Confidence: 0.9}}
	kb := &fakeKB{results: map[string][]models.Article{
		IntentCreditCard: {{ID: "kb-1", Title: "Credit cards"}},
	}}
	svc := newTestService(t, c, kb, nil)

	res, err := svc.Enrich(context.Background(), Request{
		CallID: "call-1", Seq: 3, Text: "tell me about my credit card", IsFinal: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "call-1", res.CallID)
	assert.Equal(t, int64(3), res.Seq)
	assert.Equal(t, IntentCreditCard, res.Intent)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	require.Len(t, res.Articles, 1)
	assert.Equal(t, "kb-1", res.Articles[0].ID)
}

func TestService_ShortTextSkipsClassifier(t *testing.T) {
	c := &scriptedClassifier{intent: Intent{Label: IntentAccountBalance, Confidence: 1}}
	kb := &fakeKB{}
	svc := newTestService(t, c, kb, nil)

	res, err := svc.Enrich(context.Background(), Request{CallID: "call-1", Seq: 1, Text: "  balance ", IsFinal: true})
	require.NoError(t, err)
	assert.Equal(t, models.IntentUnknown, res.Intent)
	assert.Zero(t, res.Confidence)
	assert.NotNil(t, res.Articles)
	assert.Empty(t, res.Articles)
	assert.Zero(t, c.calls.Load())
	assert.Empty(t, kb.queries)
}

func TestService_PartialsSkippedByDefault(t *testing.T) {
	c := &scriptedClassifier{intent: Intent{Label: IntentAccountBalance, Confidence: 1}}
	svc := newTestService(t, c, nil, nil)

	res, _ := svc.Enrich(context.Background(), Request{CallID: "call-1", Seq: 1, Text: "what is my balance", IsFinal: false})
	assert.Equal(t, models.IntentUnknown, res.Intent)
	assert.Zero(t, c.calls.Load())

	withPartials := newTestService(t, c, nil, func(o *Options) { o.ClassifyPartials = true })
	res, _ = withPartials.Enrich(context.Background(), Request{CallID: "call-1", Seq: 1, Text: "what is my balance", IsFinal: false})
	assert.Equal(t, IntentAccountBalance, res.Intent)
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestService_ClassifierFailureFallsBack(t *testing.T) {
	c := &scriptedClassifier{err: errors.New("model unavailable")}
	kb := &fakeKB{}
	svc := newTestService(t, c, kb, nil)

	res, err := svc.Enrich(context.Background(), Request{CallID: "call-1", Seq: 1, Text: "block my credit card", IsFinal: true})
	require.NoError(t, err)
	assert.Equal(t, models.IntentUnknown, res.Intent)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, kb.queries)
}

func TestService_ClassifierTimeout(t *testing.T) {
	c := &scriptedClassifier{block: true}
	svc := newTestService(t, c, nil, nil)

	start := time.Now()
	res, err := svc.Enrich(context.Background(), Request{CallID: "call-1", Seq: 1, Text: "block my credit card", IsFinal: true})
	require.NoError(t, err)
	assert.Equal(t, models.IntentUnknown, res.Intent)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestService_KBFailureKeepsIntent(t *testing.T) {
	c := &scriptedClassifier{intent: Intent{Label: IntentCreditCardBlock, Confidence: 0.8}}
	kb := &fakeKB{err: errors.New("kb down")}
	svc := newTestService(t, c, kb, nil)

	res, err := svc.Enrich(context.Background(), Request{CallID: "call-1", Seq: 1, Text: "block my credit card", IsFinal: true})
	require.NoError(t, err)
	assert.Equal(t, IntentCreditCardBlock, res.Intent)
	assert.NotNil(t, res.Articles)
	assert.Empty(t, res.Articles)
}

func TestService_UnknownIntentSkipsKB(t *testing.T) {
	c := &scriptedClassifier{intent: Intent{Label: "unknown", Confidence: 0.7}}
	kb := &fakeKB{}
	svc := newTestService(t, c, kb, nil)

	res, _ := svc.Enrich(context.Background(), Request{CallID: "call-1", Seq: 1, Text: "thank you very much", IsFinal: true})
	assert.Equal(t, models.IntentUnknown, res.Intent)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, kb.queries)
}

func TestService_RedeliveryIsCached(t *testing.T) {
	c := &scriptedClassifier{intent: Intent{Label: IntentAccountBalance, Confidence: 0.8}}
	svc := newTestService(t, c, nil, nil)
	req := Request{CallID: "call-1", Seq: 7, Text: "what is my balance", IsFinal: true}

	first, _ := svc.Enrich(context.Background(), req)
	c.intent = Intent{Label: IntentSavingsAccount, Confidence: 0.5}
	second, _ := svc.Enrich(context.Background(), req)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), c.calls.Load())

	// requests without a seq are never cached
	req.Seq = 0
	_, _ = svc.Enrich(context.Background(), req)
	_, _ = svc.Enrich(context.Background(), req)
	assert.Equal(t, int32(3), c.calls.Load())
}

func TestRequestFromSegment(t *testing.T) {
	req := RequestFromSegment(models.TranscriptSegment{CallID: "c", TenantID: "t", Seq: 4, Text: "hi", IsFinal: true})
	assert.Equal(t, Request{CallID: "c", TenantID: "t", Seq: 4, Text: "hi", IsFinal: true}, req)
}
