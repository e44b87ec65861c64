package driver

import (
	"context"
	"strings"
)

// Example is one few-shot example a scorer or provider may use, carried
// through from the submission payload's "examples" field.
type Example struct {
	Input  string
	Output string
}

// Scorer computes one objective's score for a proposal. Built-ins below
// are grounded in original_source's innerloop/domain/objectives.py
// (score_brevity, score_diversity, score_coverage). Default scores
// proposals with these Scorers only; it does no HTTP-judged scoring.
type Scorer interface {
	Name() string
	Score(ctx context.Context, text string, examples []Example) (float64, error)
}

// LengthBrevityScorer rewards shorter proposals, mirroring
// score_brevity's `-len(text)` but normalized to (0, 1] so it composes
// with other objectives under a weighted sum.
type LengthBrevityScorer struct{}

func (LengthBrevityScorer) Name() string { return "brevity" }

func (LengthBrevityScorer) Score(_ context.Context, text string, _ []Example) (float64, error) {
	n := len(text)
	if n == 0 {
		return 1, nil
	}
	return 1 / (1 + float64(n)/200.0), nil
}

// DiversityScorer rewards lexical variety: unique tokens over total
// tokens, identical to score_diversity.
type DiversityScorer struct{}

func (DiversityScorer) Name() string { return "diversity" }

func (DiversityScorer) Score(_ context.Context, text string, _ []Example) (float64, error) {
	toks := strings.Fields(strings.ToLower(text))
	if len(toks) == 0 {
		return 0, nil
	}
	seen := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		seen[t] = struct{}{}
	}
	return float64(len(seen)) / float64(len(toks)), nil
}

// CoverageScorer rewards token overlap with the supplied few-shot
// examples, identical in shape to score_coverage.
type CoverageScorer struct{}

func (CoverageScorer) Name() string { return "coverage" }

func (CoverageScorer) Score(_ context.Context, text string, examples []Example) (float64, error) {
	exampleTokens := make(map[string]struct{})
	for _, ex := range examples {
		for _, t := range strings.Fields(strings.ToLower(ex.Input)) {
			exampleTokens[t] = struct{}{}
		}
	}
	if len(exampleTokens) == 0 {
		return 0, nil
	}
	textTokens := make(map[string]struct{})
	for _, t := range strings.Fields(strings.ToLower(text)) {
		textTokens[t] = struct{}{}
	}
	overlap := 0
	for t := range exampleTokens {
		if _, ok := textTokens[t]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(exampleTokens)), nil
}

// BuiltinScorers maps objective names (as named in an ObjectiveSpec) to
// their Scorer.
func BuiltinScorers() map[string]Scorer {
	return map[string]Scorer{
		"brevity":   LengthBrevityScorer{},
		"diversity": DiversityScorer{},
		"coverage":  CoverageScorer{},
	}
}
