package service

import (
	"github.com/noah-isme/gema-grader/internal/models"
)

// EvaluationMode names how a student's counted submission is chosen.
type EvaluationMode string

const (
	EvaluationLast EvaluationMode = models.EvaluationModeLast
	EvaluationBest EvaluationMode = models.EvaluationModeBest
)

// EvaluationStrategy picks the counted submission among candidates. Later candidates win ties.
type EvaluationStrategy func(candidates []models.Submission) (models.Submission, bool)

var evaluationStrategies = map[EvaluationMode]EvaluationStrategy{
	EvaluationLast: pickLast,
	EvaluationBest: pickBest,
}

// StrategyFor resolves a task's evaluation mode. Unknown modes fall back to best.
func StrategyFor(mode string) EvaluationStrategy {
	if strategy, ok := evaluationStrategies[EvaluationMode(mode)]; ok {
		return strategy
	}
	return pickBest
}

func pickLast(candidates []models.Submission) (models.Submission, bool) {
	if len(candidates) == 0 {
		return models.Submission{}, false
	}
	chosen := candidates[0]
	for _, candidate := range candidates[1:] {
		if !candidate.SubmittedOn.Before(chosen.SubmittedOn) {
			chosen = candidate
		}
	}
	return chosen, true
}

func pickBest(candidates []models.Submission) (models.Submission, bool) {
	if len(candidates) == 0 {
		return models.Submission{}, false
	}
	chosen := candidates[0]
	for _, candidate := range candidates[1:] {
		switch {
		case candidate.Grade > chosen.Grade:
			chosen = candidate
		case candidate.Grade == chosen.Grade && !candidate.SubmittedOn.Before(chosen.SubmittedOn):
			chosen = candidate
		}
	}
	return chosen, true
}
