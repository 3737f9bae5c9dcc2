package extract

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-stockcount/internal/bus"
	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/loqalabs/loqa-stockcount/internal/llm"
)

// Local builds the in-process engine selected by extraction.mode.
func Local(cfg config.ExtractionConfig) (Extractor, error) {
	if cfg.Mode == "rules" || cfg.Mode == "" {
		return NewRuleExtractor(), nil
	}
	gen, err := llm.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s generator: %w", cfg.Mode, err)
	}
	return NewModelExtractor(gen, ModelOptions{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.Timeout(),
	}), nil
}

// New builds the extractor a capture controller should use. With transport=bus the
// engine runs on another node and client must be connected.
func New(cfg config.ExtractionConfig, client *bus.Client) (Extractor, error) {
	if cfg.Transport == "bus" {
		if client == nil {
			return nil, errors.New("extraction transport bus requires a bus connection")
		}
		return NewBusExtractor(client, cfg.Timeout()), nil
	}
	return Local(cfg)
}
