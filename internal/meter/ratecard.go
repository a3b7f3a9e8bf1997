package meter

import "fmt"

// ModelRates is the per-model unit cost table: dollars per second for the
// audio axes and dollars per token for the text axes.
type ModelRates struct {
	AudioInPerSecond  float64 `yaml:"audio_in_per_second"`
	AudioOutPerSecond float64 `yaml:"audio_out_per_second"`
	TextInPerToken    float64 `yaml:"text_in_per_token"`
	TextOutPerToken   float64 `yaml:"text_out_per_token"`
	CachedInPerToken  float64 `yaml:"cached_in_per_token"`
}

// RateCard maps model identifiers to their unit costs.
type RateCard map[string]ModelRates

// ErrUnknownModel wraps the model id of a rate-card miss. Sessions for
// models without rates are refused at start rather than silently billed at
// another model's rates.
type ErrUnknownModel struct {
	Model string
}

func (e *ErrUnknownModel) Error() string {
	return fmt.Sprintf("meter: no rates configured for model %q", e.Model)
}

// DefaultRateCard returns the built-in rates for the supported realtime
// models. Deployments override individual entries via configuration.
func DefaultRateCard() RateCard {
	return RateCard{
		"gpt-4o-realtime-preview": {
			AudioInPerSecond:  0.06 / 60,  // $0.06 per input minute
			AudioOutPerSecond: 0.24 / 60,  // $0.24 per output minute
			TextInPerToken:    5.0 / 1e6,  // $5 per 1M input tokens
			TextOutPerToken:   20.0 / 1e6, // $20 per 1M output tokens
			CachedInPerToken:  2.5 / 1e6,  // $2.50 per 1M cached input tokens
		},
		"gpt-4o-mini-realtime-preview": {
			AudioInPerSecond:  0.01 / 60,
			AudioOutPerSecond: 0.02 / 60,
			TextInPerToken:    0.6 / 1e6,
			TextOutPerToken:   2.4 / 1e6,
			CachedInPerToken:  0.3 / 1e6,
		},
	}
}

// Lookup returns the rates for model or an [*ErrUnknownModel]. There is
// deliberately no fallback entry.
func (rc RateCard) Lookup(model string) (ModelRates, error) {
	rates, ok := rc[model]
	if !ok {
		return ModelRates{}, &ErrUnknownModel{Model: model}
	}
	return rates, nil
}
