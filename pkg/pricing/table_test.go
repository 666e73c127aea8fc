package pricing

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRateTable = `
chars_per_token: 3
unit_conversion_rate: "1"
freeze_estimate_multiplier: "0.5"
penalty_ratio: "${COINLEDGER_TEST_PENALTY_RATIO}"
default_model: chat-small
models:
  - id: chat-small
    input_weight: "0.5"
    output_weight: "1.5"
    base_fee: "2"
    rate_multiplier: "1.2"
    max_output_tokens: 400
  - id: chat-large
    input_weight: "2"
    output_weight: "6"
    max_output_tokens: 8000
`

func TestLoadRateTable(test *testing.T) {
	test.Setenv("COINLEDGER_TEST_PENALTY_RATIO", "0.25")
	path := filepath.Join(test.TempDir(), "rates.yaml")
	require.NoError(test, os.WriteFile(path, []byte(sampleRateTable), 0o600))

	table, err := LoadRateTable(path)
	require.NoError(test, err)

	models := table.Models()
	sort.Strings(models)
	assert.Equal(test, []string{"chat-large", "chat-small"}, models)

	config := table.Calculator().Config()
	assert.Equal(test, int64(3), config.CharsPerToken)
	assert.Equal(test, "0.25", config.PenaltyRatio.String())

	small, err := table.Rate("")
	require.NoError(test, err)
	assert.Equal(test, "chat-small", small.ModelID)
	cost, err := table.Calculator().CalculateCost(100, 200, small)
	require.NoError(test, err)
	assert.Equal(test, ledger.AmountCents(422), cost)

	large, err := table.Rate("chat-large")
	require.NoError(test, err)
	assert.True(test, large.RateMultiplier.Equal(mustDecimal(test, "1")))
	assert.True(test, large.BaseFee.IsZero())

	_, err = table.Rate("missing")
	assert.ErrorIs(test, err, ErrUnknownModel)
}

func TestParseRateTableRejectsInvalidFiles(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "no models", content: "chars_per_token: 4\n", wantErr: ErrInvalidRate},
		{name: "bad decimal", content: "models:\n  - id: a\n    input_weight: abc\n    max_output_tokens: 1\n", wantErr: ErrInvalidRate},
		{name: "missing max output", content: "models:\n  - id: a\n", wantErr: ErrInvalidRate},
		{name: "duplicate", content: "models:\n  - id: a\n    max_output_tokens: 1\n  - id: a\n    max_output_tokens: 1\n", wantErr: ErrInvalidRate},
		{name: "unknown default", content: "default_model: b\nmodels:\n  - id: a\n    max_output_tokens: 1\n", wantErr: ErrUnknownModel},
		{name: "bad multiplier", content: "freeze_estimate_multiplier: \"2\"\nmodels:\n  - id: a\n    max_output_tokens: 1\n", wantErr: ErrInvalidConfig},
	}
	for _, tc := range cases {
		_, err := ParseRateTable([]byte(tc.content))
		assert.ErrorIs(test, err, tc.wantErr, tc.name)
	}
}

func TestLoadRateTableMissingFile(test *testing.T) {
	test.Parallel()
	_, err := LoadRateTable(filepath.Join(test.TempDir(), "absent.yaml"))
	assert.Error(test, err)
}
