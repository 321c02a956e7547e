package sqlreview

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")

// DefaultAcceptableConfidence is the threshold used by IsAcceptable when the
// caller has no policy of its own.
const DefaultAcceptableConfidence = 0.7

type ConfidenceLevel string

const (
	ConfidenceVeryLow  ConfidenceLevel = "very_low"
	ConfidenceLow      ConfidenceLevel = "low"
	ConfidenceMedium   ConfidenceLevel = "medium"
	ConfidenceHigh     ConfidenceLevel = "high"
	ConfidenceVeryHigh ConfidenceLevel = "very_high"
)

// Confidence is a generation confidence in [0, 1].
type Confidence struct {
	value float64
}

func NewConfidence(v float64) (Confidence, error) {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return Confidence{}, fmt.Errorf("%w: got %v", ErrInvalidConfidence, v)
	}
	return Confidence{value: v}, nil
}

func (c Confidence) Value() float64 { return c.value }

// Percentage truncates toward zero.
func (c Confidence) Percentage() int { return int(c.value * 100) }

func (c Confidence) Level() ConfidenceLevel {
	switch {
	case c.value >= 0.9:
		return ConfidenceVeryHigh
	case c.value >= 0.8:
		return ConfidenceHigh
	case c.value >= 0.6:
		return ConfidenceMedium
	case c.value >= 0.4:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

func (c Confidence) IsAcceptable(threshold float64) bool {
	return c.value >= threshold
}

func (c Confidence) String() string {
	return fmt.Sprintf("%d%% (%s)", c.Percentage(), c.Level())
}
