package briefing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/relationship"
	"github.com/clawbuds/backend/internal/repo/memory"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memory.Store, *clock.Manual) {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(testStart)
	rels := relationship.NewService(store, bus.New(nil), clk, 7, nil)
	svc := NewService(store, clk, rels, DefaultThresholds(), nil)
	return svc, store, clk
}

func recordExecutions(t *testing.T, store *memory.Store, n int, result core.ExecutionResult, name string, details map[string]interface{}) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.Executions().Create(context.Background(), &core.ReflexExecution{
			ID:         fmt.Sprintf("%s-%s-%d", name, result, i),
			ReflexName: name,
			OwnerID:    "alice",
			Result:     result,
			Details:    details,
			CreatedAt:  testStart,
		}))
	}
}

func touchCarapace(t *testing.T, store *memory.Store, at time.Time) {
	t.Helper()
	require.NoError(t, store.Carapace().RecordChange(context.Background(), &core.ConfigChange{
		ClawID: "alice", Field: "bio", ChangedAt: at,
	}))
}

func TestEmojiMonotonyNeedsVolumeAndRate(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	touchCarapace(t, store, testStart)

	// Nine identical reactions: below the volume floor.
	recordExecutions(t, store, 9, core.ResultExecuted, "phatic_micro_reaction",
		map[string]interface{}{"emoji": "👍"})
	report, err := svc.Generate(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, report.Staleness.EmojiMonotony)

	// The tenth pushes it over: 10/10 at rate 1.0.
	recordExecutions(t, store, 1, core.ResultExecuted, "phatic_micro_reaction",
		map[string]interface{}{"emoji": "👍"})
	report, err = svc.Generate(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Staleness.EmojiMonotony)
	assert.Equal(t, "👍", report.Staleness.DominantEmoji)
	assert.InDelta(t, 1.0, report.Staleness.MaxEmojiRate, 1e-9)
}

func TestEmojiVarietyStaysBelowThreshold(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	touchCarapace(t, store, testStart)

	recordExecutions(t, store, 8, core.ResultExecuted, "phatic_micro_reaction",
		map[string]interface{}{"emoji": "👍"})
	recordExecutions(t, store, 2, core.ResultExecuted, "phatic_micro_reaction",
		map[string]interface{}{"emoji": "✨"})

	report, err := svc.Generate(ctx, "alice")
	require.NoError(t, err)
	// 8/10 = 0.80 is under the 0.90 threshold.
	assert.False(t, report.Staleness.EmojiMonotony)
	assert.InDelta(t, 0.8, report.Staleness.MaxEmojiRate, 1e-9)
}

func TestCarapaceStaleness(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	// Nothing recorded at all counts as stale at the threshold age.
	report, err := svc.Generate(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Staleness.CarapaceStale)
	assert.Equal(t, 60.0, report.Staleness.CarapaceAgeDays)

	touchCarapace(t, store, testStart.Add(-61*24*time.Hour))
	report, err = svc.Generate(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Staleness.CarapaceStale)

	touchCarapace(t, store, testStart.Add(-time.Hour))
	report, err = svc.Generate(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, report.Staleness.CarapaceStale)
}

func TestReflexRepetitionDetection(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	touchCarapace(t, store, testStart)

	recordExecutions(t, store, 9, core.ResultExecuted, "keepalive_heartbeat", nil)
	recordExecutions(t, store, 1, core.ResultExecuted, "track_thread_progress", nil)

	report, err := svc.Generate(ctx, "alice")
	require.NoError(t, err)
	// 9/10 = 0.9 > 0.8.
	assert.True(t, report.Staleness.ReflexRepetition)
	assert.Equal(t, "keepalive_heartbeat", report.Staleness.DominantReflex)
}

func TestHealthScoreMath(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	touchCarapace(t, store, testStart.Add(-30*24*time.Hour))

	recordExecutions(t, store, 5, core.ResultExecuted, "keepalive_heartbeat", nil)
	recordExecutions(t, store, 5, core.ResultExecuted, "phatic_micro_reaction",
		map[string]interface{}{"emoji": "👍"})

	report, err := svc.Generate(ctx, "alice")
	require.NoError(t, err)

	// 2 unique names over 10 executed: 2 / (0.3 * 10).
	assert.InDelta(t, 2.0/3.0, report.Health.ReflexDiversity, 1e-9)
	// All 5 reactions used one emoji.
	assert.InDelta(t, 0.0, report.Health.TemplateDiversity, 1e-9)
	// Half of the 60-day staleness budget used.
	assert.InDelta(t, 0.5, report.Health.CarapaceFreshness, 1e-9)
	assert.InDelta(t, (2.0/3.0+0+0.5)/3, report.Health.Overall, 1e-9)
}

func TestHealthyBaselineScoresFull(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	touchCarapace(t, store, testStart)

	report, err := svc.Generate(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.Health.Overall, 1e-9)
	assert.Empty(t, report.Suggestions)
}

func TestSuggestionsCappedAtThreeByConfidence(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	// Stale carapace (0.8), emoji monotony (1.0), groom repetition (0.75) and
	// reflex repetition (0.7) all fire; only the top three survive.
	recordExecutions(t, store, 12, core.ResultExecuted, "phatic_micro_reaction",
		map[string]interface{}{"emoji": "👍"})
	recordExecutions(t, store, 5, core.ResultQueuedForL1, "groom_opening_suggestion",
		map[string]interface{}{"groomPhrase": "been a while, what are you into lately?"})

	report, err := svc.Generate(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, report.Suggestions, 3)
	for i := 1; i < len(report.Suggestions); i++ {
		assert.GreaterOrEqual(t, report.Suggestions[i-1].Confidence, report.Suggestions[i].Confidence)
	}
	assert.Equal(t, "monotony_alert", report.Suggestions[0].Type)
	for _, sg := range report.Suggestions {
		assert.NotEqual(t, "reflex_effectiveness", sg.Type)
	}
}

func TestBlockedRateSuggestion(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	touchCarapace(t, store, testStart)

	recordExecutions(t, store, 6, core.ResultExecuted, "track_thread_progress", nil)
	recordExecutions(t, store, 4, core.ResultBlocked, "track_thread_progress",
		map[string]interface{}{"reason": "hard_constraint"})

	report, err := svc.Generate(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, report.Suggestions)
	assert.Equal(t, "reflex_effectiveness", report.Suggestions[0].Type)
	assert.InDelta(t, 0.4, report.Suggestions[0].Confidence, 1e-9)
}

func TestDunbarStrategySuggestion(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	touchCarapace(t, store, testStart)

	for _, friend := range []string{"bob", "carol", "dave"} {
		require.NoError(t, store.Strengths().Put(ctx, &core.RelationshipStrength{
			FromClawID: "alice", ToClawID: friend,
			Strength: 0.4, Layer: core.LayerActive, LastBoostAt: testStart,
		}))
	}

	report, err := svc.Generate(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, report.Suggestions, 1)
	assert.Equal(t, "dunbar_strategy", report.Suggestions[0].Type)
}

type captureEditor struct {
	applied []Suggestion
}

func (e *captureEditor) Apply(_ context.Context, _ string, s Suggestion) error {
	e.applied = append(e.applied, s)
	return nil
}

func TestApplySuggestionRequiresEditor(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	sg := Suggestion{Type: "monotony_alert", Confidence: 0.9}

	err := svc.ApplySuggestion(ctx, "alice", sg)
	assert.True(t, core.IsKind(err, core.ErrNotConfigured))

	editor := &captureEditor{}
	svc.AttachEditor(editor)
	require.NoError(t, svc.ApplySuggestion(ctx, "alice", sg))
	require.Len(t, editor.applied, 1)
	assert.Equal(t, "monotony_alert", editor.applied[0].Type)
}
