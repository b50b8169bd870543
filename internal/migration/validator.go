package migration

import (
	"fmt"
	"math"
)

// Check levels.
const (
	LevelPass    = "pass"
	LevelWarning = "warning"
	LevelError   = "error"
)

// maxItemWarnings caps how many per-item errors of one entity are echoed as warnings.
const maxItemWarnings = 10

// Thresholds tune the validator.
type Thresholds struct {
	MinSuccessRate float64 `mapstructure:"min_success_rate" yaml:"min_success_rate"`
	MinScore       float64 `mapstructure:"min_score" yaml:"min_score"`
}

// DefaultThresholds: a 90% success rate per entity and an overall score of 80.
func DefaultThresholds() Thresholds {
	return Thresholds{MinSuccessRate: 90, MinScore: 80}
}

// Check is one scored sub-check for one entity.
type Check struct {
	Entity  string  `json:"entity" yaml:"entity"`
	Name    string  `json:"name" yaml:"name"`
	Score   float64 `json:"score" yaml:"score"`
	Level   string  `json:"level" yaml:"level"`
	Message string  `json:"message,omitempty" yaml:"message,omitempty"`
}

// Outcome is the validator's verdict on a run.
type Outcome struct {
	Success  bool     `json:"success" yaml:"success"`
	Score    float64  `json:"score" yaml:"score"`
	Errors   []string `json:"errors,omitempty" yaml:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Checks   []Check  `json:"checks" yaml:"checks"`
}

// Validator scores migrator results.
type Validator struct {
	thresholds Thresholds
}

// NewValidator fills zero thresholds from DefaultThresholds.
func NewValidator(t Thresholds) *Validator {
	def := DefaultThresholds()
	if t.MinSuccessRate <= 0 {
		t.MinSuccessRate = def.MinSuccessRate
	}
	if t.MinScore <= 0 {
		t.MinScore = def.MinScore
	}
	return &Validator{thresholds: t}
}

// Thresholds returns the effective thresholds.
func (v *Validator) Thresholds() Thresholds { return v.thresholds }

// Validate scores every result. The overall score is the mean of all
// sub-check scores; success needs no error-level check and a score at
// least MinScore.
func (v *Validator) Validate(results ...Result) Outcome {
	var out Outcome
	for _, r := range results {
		out.Checks = append(out.Checks, v.successRate(r), countCheck(r))
		if r.Sampled > 0 {
			out.Checks = append(out.Checks, completeness(r))
		}
		out.Warnings = append(out.Warnings, itemWarnings(r)...)
	}

	total := 0.0
	for _, c := range out.Checks {
		total += c.Score
		switch c.Level {
		case LevelError:
			out.Errors = append(out.Errors, c.Message)
		case LevelWarning:
			out.Warnings = append(out.Warnings, c.Message)
		}
	}
	if len(out.Checks) == 0 {
		out.Score = 100
	} else {
		out.Score = round1(total / float64(len(out.Checks)))
	}
	out.Success = len(out.Errors) == 0 && out.Score >= v.thresholds.MinScore
	return out
}

// SuccessRate is migrated over attempted items, in percent. Skipped items
// were already at the destination and are not attempts.
func SuccessRate(r Result) float64 {
	attempted := r.Processed - r.Skipped
	if attempted <= 0 {
		return 100
	}
	return float64(r.Migrated) * 100 / float64(attempted)
}

func (v *Validator) successRate(r Result) Check {
	rate := SuccessRate(r)
	c := Check{Entity: r.Entity, Name: "success_rate", Score: round1(rate), Level: LevelPass}
	switch {
	case rate < v.thresholds.MinSuccessRate:
		c.Level = LevelError
		c.Message = fmt.Sprintf("%s: success rate %.1f%% is below %.0f%% (%d of %d migrated)",
			r.Entity, rate, v.thresholds.MinSuccessRate, r.Migrated, r.Processed-r.Skipped)
	case rate < 100:
		c.Level = LevelWarning
		c.Message = fmt.Sprintf("%s: success rate %.1f%% (%d of %d migrated)",
			r.Entity, rate, r.Migrated, r.Processed-r.Skipped)
	}
	return c
}

func countCheck(r Result) Check {
	if r.DestinationCount == r.ExpectedCount {
		return Check{Entity: r.Entity, Name: "count", Score: 100, Level: LevelPass}
	}
	return Check{
		Entity:  r.Entity,
		Name:    "count",
		Score:   0,
		Level:   LevelError,
		Message: fmt.Sprintf("%s: destination has %d of %d expected items", r.Entity, r.DestinationCount, r.ExpectedCount),
	}
}

func completeness(r Result) Check {
	pct := float64(r.Complete) * 100 / float64(r.Sampled)
	c := Check{Entity: r.Entity, Name: "completeness", Score: round1(pct), Level: LevelPass}
	if r.Complete < r.Sampled {
		c.Level = LevelError
		c.Message = fmt.Sprintf("%s: %d of %d sampled rows are missing required fields",
			r.Entity, r.Sampled-r.Complete, r.Sampled)
	}
	return c
}

func itemWarnings(r Result) []string {
	n := len(r.Errors)
	if n == 0 {
		return nil
	}
	shown := r.Errors
	if n > maxItemWarnings {
		shown = r.Errors[:maxItemWarnings]
	}
	out := make([]string, 0, len(shown)+1)
	out = append(out, shown...)
	if n > maxItemWarnings {
		out = append(out, fmt.Sprintf("%s: %d more item errors", r.Entity, n-maxItemWarnings))
	}
	return out
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
