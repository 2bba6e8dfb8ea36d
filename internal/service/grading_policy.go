package service

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/noah-isme/campus-gradebook-api/internal/models"
	appErrors "github.com/noah-isme/campus-gradebook-api/pkg/errors"
)

const weightTolerance = 1e-6

// LetterBand maps the minimum score required for a letter grade.
type LetterBand struct {
	Letter string
	Min    float64
}

// GradingPolicy owns the assessment/activity blend and the letter scale.
type GradingPolicy struct {
	AssessmentWeight float64
	ActivityWeight   float64
	bands            []LetterBand
}

// NewGradingPolicy validates the weights and parses a scale such as "A:90,B:80,C:70,D:60,F:0".
func NewGradingPolicy(assessmentWeight, activityWeight float64, letterScale string) (GradingPolicy, error) {
	if err := ValidateWeights(assessmentWeight, activityWeight); err != nil {
		return GradingPolicy{}, err
	}
	bands, err := ParseLetterScale(letterScale)
	if err != nil {
		return GradingPolicy{}, err
	}
	return GradingPolicy{AssessmentWeight: assessmentWeight, ActivityWeight: activityWeight, bands: bands}, nil
}

// DefaultGradingPolicy returns the 70/30 blend with the A-F scale.
func DefaultGradingPolicy() GradingPolicy {
	policy, _ := NewGradingPolicy(0.7, 0.3, "A:90,B:80,C:70,D:60,F:0")
	return policy
}

// ValidateWeights requires non-negative weights summing to one.
func ValidateWeights(assessmentWeight, activityWeight float64) error {
	if assessmentWeight < 0 || activityWeight < 0 {
		return appErrors.Clone(appErrors.ErrInvalidWeights, "weights must not be negative")
	}
	if math.Abs(assessmentWeight+activityWeight-1) > weightTolerance {
		return appErrors.Clone(appErrors.ErrInvalidWeights, "weights must sum to 1")
	}
	return nil
}

// ValidateRules checks grade book overrides. Rules carrying a single weight are rejected.
func ValidateRules(rules models.CalculationRules) error {
	if rules.AssessmentWeight == nil && rules.ActivityWeight == nil {
		return nil
	}
	if !rules.HasWeights() {
		return appErrors.Clone(appErrors.ErrInvalidWeights, "assessment_weight and activity_weight must be set together")
	}
	return ValidateWeights(*rules.AssessmentWeight, *rules.ActivityWeight)
}

// ParseLetterScale parses comma separated LETTER:MIN pairs, highest band first.
func ParseLetterScale(raw string) ([]LetterBand, error) {
	var bands []LetterBand
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pieces := strings.SplitN(part, ":", 2)
		if len(pieces) != 2 || strings.TrimSpace(pieces[0]) == "" {
			return nil, fmt.Errorf("invalid letter band %q", part)
		}
		min, err := strconv.ParseFloat(strings.TrimSpace(pieces[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid letter band %q: %w", part, err)
		}
		bands = append(bands, LetterBand{Letter: strings.TrimSpace(pieces[0]), Min: min})
	}
	if len(bands) == 0 {
		return nil, fmt.Errorf("letter scale is empty")
	}
	sort.SliceStable(bands, func(i, j int) bool { return bands[i].Min > bands[j].Min })
	return bands, nil
}

// ForBook applies a grade book's weight overrides. Invalid or partial overrides fall back to the policy.
func (p GradingPolicy) ForBook(book *models.GradeBook) GradingPolicy {
	if book == nil {
		return p
	}
	rules, err := book.Rules()
	if err != nil || !rules.HasWeights() {
		return p
	}
	if ValidateWeights(*rules.AssessmentWeight, *rules.ActivityWeight) != nil {
		return p
	}
	p.AssessmentWeight = *rules.AssessmentWeight
	p.ActivityWeight = *rules.ActivityWeight
	return p
}

// Blend combines assessment and activity contributions into a topic score.
func (p GradingPolicy) Blend(assessmentScore, activityScore float64) float64 {
	return round2(p.AssessmentWeight*assessmentScore + p.ActivityWeight*activityScore)
}

// Letter returns the letter of the highest band the score reaches.
func (p GradingPolicy) Letter(score float64) string {
	for _, band := range p.bands {
		if score >= band.Min {
			return band.Letter
		}
	}
	if len(p.bands) == 0 {
		return ""
	}
	return p.bands[len(p.bands)-1].Letter
}

func round2(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}
