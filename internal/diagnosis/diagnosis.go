package diagnosis

import (
	"fmt"
	"math"
)

// Labels is the fixed DR severity scale, ordered from least to most severe.
// The classifier, the deriver, and the persisted records all share this set.
var Labels = [5]string{"No DR", "Mild", "Moderate", "Severe", "Proliferative"}

// SumTolerance bounds how far a probability vector may drift from summing
// to 1 before it is rejected as malformed classifier output.
const SumTolerance = 1e-3

// Probabilities maps each severity label to its softmax probability in [0,1].
type Probabilities map[string]float64

// InvalidProbabilitiesError reports classifier output that violates the
// probability-vector contract. Inputs are rejected, never normalized: a
// broken softmax is an upstream bug, and renormalizing would hide it.
type InvalidProbabilitiesError struct {
	Detail string
}

func (e *InvalidProbabilitiesError) Error() string {
	return "invalid class probabilities: " + e.Detail
}

// Validate checks that the vector covers exactly the five severity labels,
// that each probability lies in [0,1], and that the sum is 1 within tolerance.
func (p Probabilities) Validate() error {
	if len(p) != len(Labels) {
		return &InvalidProbabilitiesError{Detail: fmt.Sprintf("expected %d classes, got %d", len(Labels), len(p))}
	}
	sum := 0.0
	for _, label := range Labels {
		prob, ok := p[label]
		if !ok {
			return &InvalidProbabilitiesError{Detail: fmt.Sprintf("missing class %q", label)}
		}
		if prob < 0 || prob > 1 {
			return &InvalidProbabilitiesError{Detail: fmt.Sprintf("class %q probability %v outside [0,1]", label, prob)}
		}
		sum += prob
	}
	if math.Abs(sum-1) > SumTolerance {
		return &InvalidProbabilitiesError{Detail: fmt.Sprintf("probabilities sum to %v, expected 1", sum)}
	}
	return nil
}

// Risk is the coarse textual risk level derived from the diagnosis label.
type Risk string

const (
	RiskNone     Risk = "None"
	RiskLow      Risk = "Low"
	RiskMedium   Risk = "Medium"
	RiskHigh     Risk = "High"
	RiskCritical Risk = "Critical"
)

var riskByLabel = map[string]Risk{
	"No DR":         RiskNone,
	"Mild":          RiskLow,
	"Moderate":      RiskMedium,
	"Severe":        RiskHigh,
	"Proliferative": RiskCritical,
}

// riskScoreByLabel is the 0-100 numeric risk used in screening records and
// anchoring payloads.
var riskScoreByLabel = map[string]int{
	"No DR":         10,
	"Mild":          40,
	"Moderate":      60,
	"Severe":        80,
	"Proliferative": 95,
}

var descriptions = map[string]string{
	"No DR":         "No Diabetic Retinopathy detected",
	"Mild":          "Mild Non-Proliferative Diabetic Retinopathy",
	"Moderate":      "Moderate Non-Proliferative Diabetic Retinopathy",
	"Severe":        "Severe Non-Proliferative Diabetic Retinopathy",
	"Proliferative": "Proliferative Diabetic Retinopathy",
}

// Describe returns the long-form description of a severity label.
func Describe(label string) string {
	return descriptions[label]
}

// RiskForLabel maps a severity label to its textual risk level.
func RiskForLabel(label string) Risk {
	return riskByLabel[label]
}

// Result is the immutable outcome of deriving a diagnosis from a
// probability vector.
type Result struct {
	Label             string        `json:"label"`
	ConfidencePercent float64       `json:"confidence_percent"`
	Risk              Risk          `json:"risk"`
	RiskScore         int           `json:"risk_score"`
	Probabilities     Probabilities `json:"class_probabilities"`
}

// Derive picks the argmax label, its confidence as a percentage rounded to
// one decimal place, and the mapped risk level. On an exact probability tie
// the lower-severity label wins, so floating-point coincidences never
// silently escalate a diagnosis.
func Derive(p Probabilities) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	best := Labels[0]
	bestProb := p[best]
	for _, label := range Labels[1:] {
		if p[label] > bestProb {
			best = label
			bestProb = p[label]
		}
	}

	out := make(Probabilities, len(p))
	for label, prob := range p {
		out[label] = prob
	}

	return &Result{
		Label:             best,
		ConfidencePercent: math.Round(bestProb*1000) / 10,
		Risk:              riskByLabel[best],
		RiskScore:         riskScoreByLabel[best],
		Probabilities:     out,
	}, nil
}
