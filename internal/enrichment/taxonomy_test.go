package enrichment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcript-relay-service/internal/models"
)

func TestTaxonomy_Normalize(t *testing.T) {
	tax := DefaultTaxonomy()

	tests := map[string]string{
		"creditcard":           IntentCreditCard,
		"DebitCard":            IntentDebitCard,
		"credit_card_blocking": IntentCreditCardBlock,
		"debit_card_blocking":  IntentDebitCardBlock,
		"card_block":           IntentCreditCardBlock,
		"  Credit Card Block ": IntentCreditCardBlock,
		"loan_enquiry":         "loan_enquiry",
		"":                     models.IntentUnknown,
		"   ":                  models.IntentUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, tax.Normalize(in), "normalize %q", in)
	}
}

func TestTaxonomy_Known(t *testing.T) {
	tax := DefaultTaxonomy()
	assert.True(t, tax.Known(IntentAccountBalance))
	assert.False(t, tax.Known("loan_enquiry"))
	assert.Contains(t, tax.Intents(), IntentFraudulentTransaction)
}

func TestLoadTaxonomy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	data := []byte(`
intents:
  - loan_enquiry
aliases:
  loan question: loan_enquiry
  cardblock: credit_card_block
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	tax, err := LoadTaxonomy(path)
	require.NoError(t, err)

	assert.True(t, tax.Known("loan_enquiry"))
	assert.Equal(t, "loan_enquiry", tax.Normalize("Loan Question"))
	assert.Equal(t, IntentCreditCardBlock, tax.Normalize("cardblock"))
	// defaults survive the merge
	assert.Equal(t, IntentCreditCard, tax.Normalize("creditcard"))
}

func TestLoadTaxonomy_EmptyPath(t *testing.T) {
	tax, err := LoadTaxonomy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTaxonomy().Intents(), tax.Intents())
}

func TestLoadTaxonomy_Errors(t *testing.T) {
	_, err := LoadTaxonomy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("aliases: [unterminated"), 0o644))
	_, err = LoadTaxonomy(bad)
	assert.Error(t, err)
}
