// Package briefing analyses an owner's recent behavior: pattern staleness,
// a social-health score and micro-molt suggestions.
package briefing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/core"
	"github.com/clawbuds/backend/internal/relationship"
	"github.com/clawbuds/backend/internal/repo"
)

// lookback is the analysis window for execution history.
const lookback = 30 * 24 * time.Hour

// Thresholds, overridable via config.
type Thresholds struct {
	CarapaceStaleDays        int
	MonotonyThreshold        float64
	GroomRepetitionThreshold float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CarapaceStaleDays:        60,
		MonotonyThreshold:        0.90,
		GroomRepetitionThreshold: 0.85,
	}
}

// Staleness is the outcome of the four pattern checks.
type Staleness struct {
	ReflexRepetition  bool    `json:"reflex_repetition"`
	DominantReflex    string  `json:"dominant_reflex,omitempty"`
	EmojiMonotony     bool    `json:"emoji_monotony"`
	DominantEmoji     string  `json:"dominant_emoji,omitempty"`
	MaxEmojiRate      float64 `json:"max_emoji_rate"`
	CarapaceStale     bool    `json:"carapace_stale"`
	CarapaceAgeDays   float64 `json:"carapace_age_days"`
	GroomRepetition   bool    `json:"groom_repetition"`
	DominantGroomLine string  `json:"dominant_groom_line,omitempty"`
}

// Health is the three-part social-health score.
type Health struct {
	ReflexDiversity   float64 `json:"reflex_diversity"`
	TemplateDiversity float64 `json:"template_diversity"`
	CarapaceFreshness float64 `json:"carapace_freshness"`
	Overall           float64 `json:"overall"`
}

// Suggestion is one micro-molt recommendation.
type Suggestion struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	CLICommand  string  `json:"cliCommand"`
	Confidence  float64 `json:"confidence"` // [0, 1]
}

// Report is the full daily briefing output.
type Report struct {
	ClawID      string       `json:"claw_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	Staleness   Staleness    `json:"staleness"`
	Health      Health       `json:"health"`
	Suggestions []Suggestion `json:"suggestions"`
}

// Editor applies a suggestion to the owner's external configuration.
type Editor interface {
	Apply(ctx context.Context, clawID string, s Suggestion) error
}

type Service struct {
	store         repo.Store
	clock         clock.Clock
	relationships *relationship.Service
	thresholds    Thresholds
	editor        Editor
	logger        *slog.Logger
}

func NewService(store repo.Store, clk clock.Clock, rels *relationship.Service, th Thresholds, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, clock: clk, relationships: rels, thresholds: th, logger: logger}
}

// AttachEditor wires the external suggestion editor. Startup-time only.
func (s *Service) AttachEditor(e Editor) { s.editor = e }

// Generate produces the owner's briefing. Execution history and carapace
// history are read once and shared across every check.
func (s *Service) Generate(ctx context.Context, clawID string) (*Report, error) {
	now := s.clock.Now()
	executions, err := s.store.Executions().FindRecent(ctx, clawID, now.Add(-lookback))
	if err != nil {
		return nil, err
	}
	lastChange, err := s.store.Carapace().LastChange(ctx, clawID)
	if err != nil {
		return nil, err
	}

	st := s.detectStaleness(executions, lastChange, now)
	health := s.healthScore(executions, st)
	suggestions, err := s.suggest(ctx, clawID, executions, st, health)
	if err != nil {
		return nil, err
	}

	return &Report{
		ClawID:      clawID,
		GeneratedAt: now,
		Staleness:   st,
		Health:      health,
		Suggestions: suggestions,
	}, nil
}

// detectStaleness runs the four checks over the shared read.
func (s *Service) detectStaleness(executions []*core.ReflexExecution, lastChange *core.ConfigChange, now time.Time) Staleness {
	var st Staleness

	executed := 0
	perReflex := map[string]int{}
	emojis := map[string]int{}
	emojiTotal := 0
	grooms := map[string]int{}
	groomTotal := 0

	for _, e := range executions {
		if e.Result == core.ResultExecuted {
			executed++
			perReflex[e.ReflexName]++
		}
		if emoji, ok := e.Details["emoji"].(string); ok && emoji != "" {
			emojis[emoji]++
			emojiTotal++
		}
		if phrase, ok := e.Details["groomPhrase"].(string); ok && phrase != "" {
			grooms[phrase]++
			groomTotal++
		}
	}

	if executed >= 10 {
		name, n := dominant(perReflex)
		if float64(n)/float64(executed) > 0.80 {
			st.ReflexRepetition = true
			st.DominantReflex = name
		}
	}

	if emojiTotal > 0 {
		emoji, n := dominant(emojis)
		st.MaxEmojiRate = float64(n) / float64(emojiTotal)
		if emojiTotal >= 10 && st.MaxEmojiRate >= s.thresholds.MonotonyThreshold {
			st.EmojiMonotony = true
			st.DominantEmoji = emoji
		}
	}

	if lastChange == nil {
		st.CarapaceStale = true
		st.CarapaceAgeDays = float64(s.thresholds.CarapaceStaleDays)
	} else {
		st.CarapaceAgeDays = now.Sub(lastChange.ChangedAt).Hours() / 24
		st.CarapaceStale = st.CarapaceAgeDays > float64(s.thresholds.CarapaceStaleDays)
	}

	if groomTotal >= 5 {
		phrase, n := dominant(grooms)
		if float64(n)/float64(groomTotal) >= s.thresholds.GroomRepetitionThreshold {
			st.GroomRepetition = true
			st.DominantGroomLine = phrase
		}
	}
	return st
}

// healthScore averages reflex diversity, template diversity and carapace
// freshness, each clamped to [0, 1].
func (s *Service) healthScore(executions []*core.ReflexExecution, st Staleness) Health {
	unique := map[string]bool{}
	total := 0
	for _, e := range executions {
		if e.Result == core.ResultExecuted {
			unique[e.ReflexName] = true
			total++
		}
	}

	diversity := 1.0
	if total > 0 {
		diversity = clamp01(float64(len(unique)) / (0.3 * float64(total)))
	}
	template := clamp01(1 - st.MaxEmojiRate)
	freshness := clamp01(1 - st.CarapaceAgeDays/float64(s.thresholds.CarapaceStaleDays))

	return Health{
		ReflexDiversity:   diversity,
		TemplateDiversity: template,
		CarapaceFreshness: freshness,
		Overall:           clamp01((diversity + template + freshness) / 3),
	}
}

// suggest scores the six analytical dimensions and keeps the three most
// confident suggestions.
func (s *Service) suggest(ctx context.Context, clawID string, executions []*core.ReflexExecution, st Staleness, health Health) ([]Suggestion, error) {
	var candidates []Suggestion

	// Reflex effectiveness: a high blocked rate means reflexes fire far more
	// often than the hard constraint allows.
	executed, blocked := 0, 0
	for _, e := range executions {
		switch e.Result {
		case core.ResultExecuted:
			executed++
		case core.ResultBlocked:
			blocked++
		}
	}
	if total := executed + blocked; total >= 10 {
		if rate := float64(blocked) / float64(total); rate > 0.3 {
			candidates = append(candidates, Suggestion{
				Type:        "reflex_effectiveness",
				Description: fmt.Sprintf("%.0f%% of reflex firings were blocked by the hourly cap; consider narrowing triggers", rate*100),
				CLICommand:  "clawbuds reflex list",
				Confidence:  clamp01(rate),
			})
		}
	}
	if st.ReflexRepetition {
		candidates = append(candidates, Suggestion{
			Type:        "reflex_effectiveness",
			Description: fmt.Sprintf("reflex %q dominates your recent activity; try enabling a wider set", st.DominantReflex),
			CLICommand:  fmt.Sprintf("clawbuds reflex disable %s", st.DominantReflex),
			Confidence:  0.7,
		})
	}

	// Grooming reply rate: routed grooming openers that never got a reaction
	// back suggest the phrasing is falling flat.
	if st.GroomRepetition {
		candidates = append(candidates, Suggestion{
			Type:        "grooming_reply_rate",
			Description: "your grooming openers repeat one phrase; vary them to keep replies coming",
			CLICommand:  "clawbuds carapace edit grooming",
			Confidence:  0.75,
		})
	}

	// Pearl routing endorsement rate: routed shares that were never endorsed.
	routed, acked := 0, 0
	for _, e := range executions {
		if e.ReflexName != "route_pearl_by_interest" {
			continue
		}
		switch e.Result {
		case core.ResultQueuedForL1, core.ResultDispatchedToL1:
			routed++
		case core.ResultL1Acknowledged:
			routed++
			acked++
		}
	}
	if routed >= 5 && float64(acked)/float64(routed) < 0.2 {
		candidates = append(candidates, Suggestion{
			Type:        "pearl_routing",
			Description: "most routed pearls go unacknowledged; raise the trust threshold on share conditions",
			CLICommand:  "clawbuds pearl conditions",
			Confidence:  0.6,
		})
	}

	// Dunbar-layer strategy: nobody in the core band means all relationships
	// are coasting.
	if s.relationships != nil {
		edges, err := s.relationships.ListFrom(ctx, clawID)
		if err != nil {
			return nil, err
		}
		if len(edges) >= 3 {
			coreCount := 0
			for _, e := range edges {
				if e.Layer == core.LayerCore {
					coreCount++
				}
			}
			if coreCount == 0 {
				candidates = append(candidates, Suggestion{
					Type:        "dunbar_strategy",
					Description: "no friendships are in the core band; invest in your strongest ties",
					CLICommand:  "clawbuds friends list --by-strength",
					Confidence:  0.65,
				})
			}
		}
	}

	if st.EmojiMonotony {
		candidates = append(candidates, Suggestion{
			Type:        "monotony_alert",
			Description: fmt.Sprintf("%s makes up %.0f%% of your reactions; widen the rotation", st.DominantEmoji, st.MaxEmojiRate*100),
			CLICommand:  "clawbuds carapace edit reactions",
			Confidence:  clamp01(st.MaxEmojiRate),
		})
	}

	if st.CarapaceStale {
		candidates = append(candidates, Suggestion{
			Type:        "carapace_staleness",
			Description: fmt.Sprintf("carapace untouched for %.0f days; a molt review is overdue", st.CarapaceAgeDays),
			CLICommand:  "clawbuds carapace review",
			Confidence:  0.8,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	return candidates, nil
}

// ApplySuggestion delegates to the attached editor.
func (s *Service) ApplySuggestion(ctx context.Context, clawID string, sg Suggestion) error {
	if s.editor == nil {
		return core.Errorf(core.ErrNotConfigured, "no suggestion editor attached")
	}
	return s.editor.Apply(ctx, clawID, sg)
}

func dominant(counts map[string]int) (string, int) {
	bestName, bestN := "", 0
	for name, n := range counts {
		if n > bestN || (n == bestN && name < bestName) {
			bestName, bestN = name, n
		}
	}
	return bestName, bestN
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
