package pricing

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// RateTable is the loaded set of model rates plus calculator constants.
type RateTable struct {
	calculator Calculator
	rates      map[string]ModelRate
	defaultID  string
}

type rateTableFile struct {
	CharsPerToken            int64           `yaml:"chars_per_token"`
	UnitConversionRate       string          `yaml:"unit_conversion_rate"`
	FreezeEstimateMultiplier string          `yaml:"freeze_estimate_multiplier"`
	PenaltyRatio             string          `yaml:"penalty_ratio"`
	DefaultModel             string          `yaml:"default_model"`
	Models                   []modelRateFile `yaml:"models"`
}

type modelRateFile struct {
	ID              string `yaml:"id"`
	InputWeight     string `yaml:"input_weight"`
	OutputWeight    string `yaml:"output_weight"`
	BaseFee         string `yaml:"base_fee"`
	RateMultiplier  string `yaml:"rate_multiplier"`
	MaxOutputTokens int64  `yaml:"max_output_tokens"`
}

// LoadRateTable reads a YAML rate table. Environment variables in the
// format ${VAR} are expanded before parsing.
func LoadRateTable(path string) (RateTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RateTable{}, fmt.Errorf("pricing: read rate table: %w", err)
	}
	return ParseRateTable(data)
}

// ParseRateTable parses and validates YAML rate table content.
func ParseRateTable(data []byte) (RateTable, error) {
	var file rateTableFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return RateTable{}, fmt.Errorf("pricing: parse rate table: %w", err)
	}

	config := DefaultConfig()
	if file.CharsPerToken != 0 {
		config.CharsPerToken = file.CharsPerToken
	}
	var err error
	if config.UnitConversionRate, err = decimalOrDefault("unit_conversion_rate", file.UnitConversionRate, config.UnitConversionRate); err != nil {
		return RateTable{}, err
	}
	if config.FreezeEstimateMultiplier, err = decimalOrDefault("freeze_estimate_multiplier", file.FreezeEstimateMultiplier, config.FreezeEstimateMultiplier); err != nil {
		return RateTable{}, err
	}
	if config.PenaltyRatio, err = decimalOrDefault("penalty_ratio", file.PenaltyRatio, config.PenaltyRatio); err != nil {
		return RateTable{}, err
	}
	calculator, err := NewCalculator(config)
	if err != nil {
		return RateTable{}, err
	}

	if len(file.Models) == 0 {
		return RateTable{}, fmt.Errorf("%w: at least one model is required", ErrInvalidRate)
	}
	rates := make(map[string]ModelRate, len(file.Models))
	for index, model := range file.Models {
		rate, err := model.toRate()
		if err != nil {
			return RateTable{}, fmt.Errorf("models[%d]: %w", index, err)
		}
		if _, duplicate := rates[rate.ModelID]; duplicate {
			return RateTable{}, fmt.Errorf("%w: duplicate model id %q", ErrInvalidRate, rate.ModelID)
		}
		rates[rate.ModelID] = rate
	}

	defaultID := strings.TrimSpace(file.DefaultModel)
	if defaultID != "" {
		if _, ok := rates[defaultID]; !ok {
			return RateTable{}, fmt.Errorf("%w: default model %q", ErrUnknownModel, defaultID)
		}
	}
	return RateTable{calculator: calculator, rates: rates, defaultID: defaultID}, nil
}

// NewRateTable builds a table from already validated rates.
func NewRateTable(calculator Calculator, rates ...ModelRate) (RateTable, error) {
	table := RateTable{calculator: calculator, rates: make(map[string]ModelRate, len(rates))}
	for _, rate := range rates {
		if err := rate.Validate(); err != nil {
			return RateTable{}, err
		}
		table.rates[rate.ModelID] = rate
	}
	return table, nil
}

// Calculator returns the calculator configured by the table.
func (table RateTable) Calculator() Calculator {
	return table.calculator
}

// Rate returns the rate of modelID, falling back to the default model for an
// empty id.
func (table RateTable) Rate(modelID string) (ModelRate, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		modelID = table.defaultID
	}
	rate, ok := table.rates[modelID]
	if !ok {
		return ModelRate{}, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return rate, nil
}

// Models lists the configured model ids.
func (table RateTable) Models() []string {
	models := make([]string, 0, len(table.rates))
	for modelID := range table.rates {
		models = append(models, modelID)
	}
	return models
}

func (model modelRateFile) toRate() (ModelRate, error) {
	rate := ModelRate{
		ModelID:         strings.TrimSpace(model.ID),
		MaxOutputTokens: model.MaxOutputTokens,
	}
	var err error
	if rate.InputWeight, err = decimalOrDefault("input_weight", model.InputWeight, decimal.Zero); err != nil {
		return ModelRate{}, err
	}
	if rate.OutputWeight, err = decimalOrDefault("output_weight", model.OutputWeight, decimal.Zero); err != nil {
		return ModelRate{}, err
	}
	if rate.BaseFee, err = decimalOrDefault("base_fee", model.BaseFee, decimal.Zero); err != nil {
		return ModelRate{}, err
	}
	if rate.RateMultiplier, err = decimalOrDefault("rate_multiplier", model.RateMultiplier, decimal.NewFromInt(1)); err != nil {
		return ModelRate{}, err
	}
	return rate, rate.Validate()
}

func decimalOrDefault(field string, raw string, fallback decimal.Decimal) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrInvalidRate, field, err)
	}
	return value, nil
}
