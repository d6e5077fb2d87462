package enrichment

import (
	"context"
	"strings"

	"transcript-relay-service/internal/models"
)

// Intent is a classifier answer before normalisation.
type Intent struct {
	Label      string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Classifier detects the customer intent of an utterance.
type Classifier interface {
	DetectIntent(ctx context.Context, text string) (Intent, error)
}

// KeywordClassifier matches phrases of the banking taxonomy. It needs no
// network and is the default classifier.
type KeywordClassifier struct{}

// NewKeywordClassifier returns the rule-based classifier.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// DetectIntent applies the rules in order; the first match wins.
func (k *KeywordClassifier) DetectIntent(ctx context.Context, text string) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	t := strings.ToLower(text)

	credit := containsAny(t, "credit card", "creditcard")
	debit := containsAny(t, "debit card", "debitcard", "atm card")
	fraud := containsAny(t, "fraud", "unauthorized", "unauthorised", "did not make", "didn't make", "not authorized", "scam")
	block := containsAny(t, "block", "lost", "stolen", "freeze", "cancel my card")
	replace := containsAny(t, "replace", "replacement", "new card", "damaged")

	switch {
	case credit && fraud:
		return Intent{IntentCreditCardFraud, 0.85}, nil
	case credit && block:
		return Intent{IntentCreditCardBlock, 0.9}, nil
	case credit && replace:
		return Intent{IntentCreditCardReplacement, 0.85}, nil
	case debit && fraud:
		return Intent{IntentDebitCardFraud, 0.85}, nil
	case debit && (block || strings.Contains(t, "not working")):
		return Intent{IntentDebitCardBlock, 0.85}, nil
	case credit:
		return Intent{IntentCreditCard, 0.7}, nil
	case debit:
		return Intent{IntentDebitCard, 0.7}, nil
	case fraud:
		return Intent{IntentFraudulentTransaction, 0.8}, nil
	case strings.Contains(t, "card") && block:
		// card type not named; blocking requests are mostly credit cards
		return Intent{IntentCreditCardBlock, 0.6}, nil
	case strings.Contains(t, "balance"):
		return Intent{IntentAccountBalance, 0.85}, nil
	case strings.Contains(t, "savings account"):
		return Intent{IntentSavingsAccount, 0.8}, nil
	case strings.Contains(t, "salary account"):
		return Intent{IntentSalaryAccount, 0.8}, nil
	case strings.Contains(t, "account"):
		return Intent{IntentAccountInquiry, 0.6}, nil
	}
	return Intent{models.IntentUnknown, 0}, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0 || c != c:
		return 0
	case c > 1:
		return 1
	}
	return c
}
