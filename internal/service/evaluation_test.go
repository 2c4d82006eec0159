package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
)

func TestEvaluationStrategies(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	early := models.Submission{ID: "early", Grade: 90, SubmittedOn: base}
	late := models.Submission{ID: "late", Grade: 40, SubmittedOn: base.Add(time.Hour)}
	tiedLate := models.Submission{ID: "tied", Grade: 90, SubmittedOn: base.Add(2 * time.Hour)}

	cases := []struct {
		name       string
		mode       string
		candidates []models.Submission
		want       string
	}{
		{name: "last picks latest", mode: models.EvaluationModeLast, candidates: []models.Submission{early, late}, want: "late"},
		{name: "last ignores order", mode: models.EvaluationModeLast, candidates: []models.Submission{late, early}, want: "late"},
		{name: "best picks highest grade", mode: models.EvaluationModeBest, candidates: []models.Submission{early, late}, want: "early"},
		{name: "best breaks ties by date", mode: models.EvaluationModeBest, candidates: []models.Submission{early, late, tiedLate}, want: "tied"},
		{name: "unknown mode behaves as best", mode: "median", candidates: []models.Submission{late, early}, want: "early"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			chosen, ok := StrategyFor(tc.mode)(tc.candidates)
			require.True(t, ok)
			require.Equal(t, tc.want, chosen.ID)
		})
	}
}

func TestEvaluationStrategiesLaterCandidateWinsExactTies(t *testing.T) {
	current := models.Submission{ID: "current", Grade: 50}
	incoming := models.Submission{ID: "incoming", Grade: 50}

	for _, mode := range []string{models.EvaluationModeLast, models.EvaluationModeBest} {
		chosen, ok := StrategyFor(mode)([]models.Submission{current, incoming})
		require.True(t, ok)
		require.Equal(t, "incoming", chosen.ID, mode)
	}
}

func TestEvaluationStrategiesEmptyHistory(t *testing.T) {
	for _, mode := range []string{models.EvaluationModeLast, models.EvaluationModeBest} {
		_, ok := StrategyFor(mode)(nil)
		require.False(t, ok, mode)
	}
}
