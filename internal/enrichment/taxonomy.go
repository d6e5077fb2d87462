// Package enrichment derives intents and knowledge-base articles from
// transcript segments.
package enrichment

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"transcript-relay-service/internal/models"
)

// Banking intents recognised by the relay.
const (
	IntentCreditCardBlock       = "credit_card_block"
	IntentCreditCardFraud       = "credit_card_fraud"
	IntentCreditCardReplacement = "credit_card_replacement"
	IntentCreditCard            = "credit_card"
	IntentDebitCardBlock        = "debit_card_block"
	IntentDebitCardFraud        = "debit_card_fraud"
	IntentDebitCard             = "debit_card"
	IntentAccountBalance        = "account_balance"
	IntentAccountInquiry        = "account_inquiry"
	IntentSavingsAccount        = "savings_account"
	IntentSalaryAccount         = "salary_account"
	IntentFraudulentTransaction = "fraudulent_transaction"
)

var defaultAliases = map[string]string{
	"creditcard":           IntentCreditCard,
	"debitcard":            IntentDebitCard,
	"credit_card_blocking": IntentCreditCardBlock,
	"debit_card_blocking":  IntentDebitCardBlock,
	"card_block":           IntentCreditCardBlock,
}

var defaultIntents = []string{
	IntentCreditCardBlock,
	IntentCreditCardFraud,
	IntentCreditCardReplacement,
	IntentCreditCard,
	IntentDebitCardBlock,
	IntentDebitCardFraud,
	IntentDebitCard,
	IntentAccountBalance,
	IntentAccountInquiry,
	IntentSavingsAccount,
	IntentSalaryAccount,
	IntentFraudulentTransaction,
}

// Taxonomy maps classifier labels onto canonical intent names.
type Taxonomy struct {
	aliases map[string]string
	intents map[string]struct{}
}

// taxonomyFile is the YAML shape accepted by LoadTaxonomy.
type taxonomyFile struct {
	Intents []string          `yaml:"intents"`
	Aliases map[string]string `yaml:"aliases"`
}

// DefaultTaxonomy returns the built-in banking taxonomy.
func DefaultTaxonomy() *Taxonomy {
	t := &Taxonomy{
		aliases: make(map[string]string, len(defaultAliases)),
		intents: make(map[string]struct{}, len(defaultIntents)),
	}
	for k, v := range defaultAliases {
		t.aliases[k] = v
	}
	for _, i := range defaultIntents {
		t.intents[i] = struct{}{}
	}
	return t
}

// LoadTaxonomy reads a YAML file and merges it over the defaults.
// An empty path returns the defaults.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	t := DefaultTaxonomy()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	var f taxonomyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse taxonomy %s: %w", path, err)
	}
	for _, i := range f.Intents {
		if i = clean(i); i != "" {
			t.intents[i] = struct{}{}
		}
	}
	for from, to := range f.Aliases {
		from, to = clean(from), clean(to)
		if from == "" || to == "" {
			return nil, fmt.Errorf("taxonomy %s: empty alias %q -> %q", path, from, to)
		}
		t.aliases[from] = to
	}
	return t, nil
}

func clean(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	return strings.Join(strings.Fields(label), "_")
}

// Normalize lower-cases the label, turns spaces into underscores and
// resolves aliases. Unknown labels pass through; empty labels become unknown.
func (t *Taxonomy) Normalize(label string) string {
	l := clean(label)
	if l == "" {
		return models.IntentUnknown
	}
	if to, ok := t.aliases[l]; ok {
		return to
	}
	return l
}

// Known reports whether intent is part of the taxonomy.
func (t *Taxonomy) Known(intent string) bool {
	_, ok := t.intents[intent]
	return ok
}

// Intents lists the canonical intents, sorted.
func (t *Taxonomy) Intents() []string {
	out := make([]string, 0, len(t.intents))
	for i := range t.intents {
		out = append(out, i)
	}
	sort.Strings(out)
	return out
}
