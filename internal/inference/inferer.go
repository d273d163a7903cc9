package inference

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/logging"
	"github.com/taskherd/taskherd/internal/model"
	"github.com/taskherd/taskherd/internal/resilience"
)

const source = "inference"

// workflowGroupSize is the cluster size that marks a set of related tasks
// as a workflow worth refining as a whole.
const workflowGroupSize = 4

// Inferer combines the pattern engine with an optional LLM refiner.
type Inferer struct {
	logger  zerolog.Logger
	cfg     Config
	refiner Refiner
	events  *bus.Bus
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	judgments []PairJudgment
	expiresAt time.Time
}

// Option configures an Inferer.
type Option func(*Inferer)

// WithRefiner attaches an LLM refiner for ambiguous pairs.
func WithRefiner(r Refiner) Option {
	return func(inf *Inferer) { inf.refiner = r }
}

// WithBus attaches the event bus for inference events.
func WithBus(events *bus.Bus) Option {
	return func(inf *Inferer) { inf.events = events }
}

// New validates the configuration and builds an Inferer.
func New(cfg Config, opts ...Option) (*Inferer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	inf := &Inferer{
		logger: logging.Component("inference"),
		cfg:    cfg,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(inf)
	}
	return inf, nil
}

// Config returns the effective configuration.
func (inf *Inferer) Config() Config {
	return inf.cfg
}

// InferDependencies runs the full hybrid pass and returns an acyclic graph.
func (inf *Inferer) InferDependencies(ctx context.Context, tasks []model.Task) *DependencyGraph {
	sorted := append([]model.Task(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	patternEdges := inf.patternPass(sorted)
	inf.logger.Debug().Int("tasks", len(sorted)).Int("pattern_edges", len(patternEdges)).Msg("pattern pass complete")

	var judgments []PairJudgment
	ambiguous := inf.ambiguousPairs(sorted, patternEdges)
	if inf.cfg.EnableAIInference && inf.refiner != nil && len(ambiguous) > 0 {
		judgments = inf.refine(ctx, sorted, ambiguous)
	}

	edges := inf.combine(patternEdges, judgments, taskByID(sorted))
	if removed := breakCycles(edges); len(removed) > 0 {
		inf.logger.Warn().Strs("removed", removed).Msg("broke dependency cycles")
		inf.publish(ctx, bus.EventWarning, map[string]any{
			"message":       "dependency cycles broken",
			"removed_edges": removed,
		})
	}
	reduceTransitive(edges)

	final := make([]InferredDependency, 0, len(edges))
	for _, edge := range edges {
		final = append(final, edge)
	}
	graph := NewGraph(sorted, final)

	inf.publish(ctx, bus.EventPatternDetected, map[string]any{
		"tasks":           len(sorted),
		"edges":           len(graph.Edges),
		"ambiguous_pairs": len(ambiguous),
		"ai_judgments":    len(judgments),
	})
	return graph
}

func (inf *Inferer) publish(ctx context.Context, eventType string, data map[string]any) {
	if inf.events != nil {
		inf.events.Publish(ctx, eventType, source, data, nil)
	}
}

// ambiguousPairs selects the unordered pairs worth asking the refiner about:
// weak or conflicting pattern edges, plausibly related unlinked pairs, and
// every pair inside a workflow group.
func (inf *Inferer) ambiguousPairs(tasks []model.Task, patternEdges map[edgeKey]InferredDependency) []taskPair {
	selected := make(map[taskPair]bool)
	words := make(map[string]map[string]bool, len(tasks))
	for _, t := range tasks {
		words[t.ID] = nameWords(t.Name)
	}

	for i, a := range tasks {
		for _, b := range tasks[i+1:] {
			forward, hasForward := patternEdges[edgeKey{dependent: a.ID, dependency: b.ID}]
			backward, hasBackward := patternEdges[edgeKey{dependent: b.ID, dependency: a.ID}]
			pair := newTaskPair(a.ID, b.ID)

			switch {
			case hasForward && hasBackward:
				selected[pair] = true
			case hasForward:
				if forward.Confidence < inf.cfg.PatternConfidenceThreshold {
					selected[pair] = true
				}
			case hasBackward:
				if backward.Confidence < inf.cfg.PatternConfidenceThreshold {
					selected[pair] = true
				}
			default:
				if inf.mightBeRelated(a, b, words) {
					selected[pair] = true
				}
			}
		}
	}

	for _, group := range workflowGroups(tasks, inf.cfg.MinSharedKeywords) {
		for i, a := range group {
			for _, b := range group[i+1:] {
				selected[newTaskPair(a, b)] = true
			}
		}
	}

	pairs := make([]taskPair, 0, len(selected))
	for pair := range selected {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].b < pairs[j].b
	})
	return pairs
}

// mightBeRelated holds for unlinked pairs with enough shared words, or with
// overlapping labels across different phases.
func (inf *Inferer) mightBeRelated(a, b model.Task, words map[string]map[string]bool) bool {
	if sharedWordCount(words[a.ID], words[b.ID]) >= inf.cfg.MinSharedKeywords {
		return true
	}
	if taskPhase(a) == taskPhase(b) {
		return false
	}
	for _, label := range a.Labels {
		for _, other := range b.Labels {
			if strings.EqualFold(label, other) {
				return true
			}
		}
	}
	return false
}

// workflowGroups clusters tasks sharing keywords. Groups reaching
// workflowGroupSize members represent a workflow whose internal ordering is
// worth refining in full.
func workflowGroups(tasks []model.Task, minShared int) [][]string {
	type cluster struct {
		keywords map[string]bool
		members  []string
	}
	var clusters []*cluster

	for _, t := range tasks {
		words := nameWords(t.Name)
		joined := false
		for _, c := range clusters {
			if sharedWordCount(c.keywords, words) >= minShared {
				c.members = append(c.members, t.ID)
				// Narrow the cluster to the words every member shares.
				for word := range c.keywords {
					if !words[word] {
						delete(c.keywords, word)
					}
				}
				joined = true
				break
			}
		}
		if !joined {
			clusters = append(clusters, &cluster{keywords: words, members: []string{t.ID}})
		}
	}

	var groups [][]string
	for _, c := range clusters {
		if len(c.members) >= workflowGroupSize {
			groups = append(groups, c.members)
		}
	}
	return groups
}

// refine asks the refiner about the ambiguous pairs, serving repeated
// requests for the same task set from the cache. Failures fall back to
// pattern-only results and never poison the cache.
func (inf *Inferer) refine(ctx context.Context, tasks []model.Task, pairs []taskPair) []PairJudgment {
	if len(pairs) > inf.cfg.MaxAIPairsPerBatch {
		pairs = pairs[:inf.cfg.MaxAIPairsPerBatch]
	}
	key := cacheKey(tasks, pairs)

	inf.mu.Lock()
	entry, ok := inf.cache[key]
	inf.mu.Unlock()
	if ok && inf.now().Before(entry.expiresAt) {
		inf.logger.Debug().Int("pairs", len(pairs)).Msg("refiner cache hit")
		return entry.judgments
	}

	prompt := buildPrompt(tasks, pairs)
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = 2
	retryCfg.BaseDelay = 200 * time.Millisecond
	judgments, err := resilience.RetryResult(ctx, retryCfg, func(ctx context.Context) ([]PairJudgment, error) {
		return inf.refiner.RefineDependencies(ctx, prompt)
	})
	if err != nil {
		inf.logger.Warn().Err(err).Msg("refiner unavailable, falling back to pattern results")
		return nil
	}

	inf.mu.Lock()
	inf.cache[key] = cacheEntry{judgments: judgments, expiresAt: inf.now().Add(inf.cfg.CacheTTL)}
	inf.mu.Unlock()
	return judgments
}

// cacheKey is stable against task re-ordering: sorted ids plus sorted pairs.
func cacheKey(tasks []model.Task, pairs []taskPair) string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		parts = append(parts, pair.a+"~"+pair.b)
	}
	sort.Strings(parts)
	return strings.Join(ids, ",") + "|" + strings.Join(parts, ",")
}

// buildPrompt renders the task list and candidate pairs for the refiner.
// The required response format is a strict JSON array; prose answers are
// treated as failure by the parser.
func buildPrompt(tasks []model.Task, pairs []taskPair) string {
	var b strings.Builder
	b.WriteString("You are analyzing dependencies between software project tasks.\n\nTasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- id=%s name=%q status=%s labels=%s", t.ID, t.Name, t.Status, strings.Join(t.Labels, ","))
		if t.Description != "" {
			fmt.Fprintf(&b, " description=%q", t.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nFor each pair below, decide whether one task must finish before the other can start.\n")
	b.WriteString("Use direction \"1->2\" when task1 must finish first, \"2->1\" when task2 must finish first, \"none\" otherwise.\n\nPairs:\n")
	for _, pair := range pairs {
		fmt.Fprintf(&b, "- task1=%s task2=%s\n", pair.a, pair.b)
	}
	b.WriteString("\nRespond with ONLY a JSON array, one object per pair:\n")
	b.WriteString(`[{"task1_id": "...", "task2_id": "...", "dependency_direction": "1->2|2->1|none", "confidence": 0.0, "reasoning": "...", "dependency_type": "hard|soft|logical"}]`)
	b.WriteString("\n")
	return b.String()
}

// combine merges pattern edges and refiner judgments into the final edge
// set. Agreement earns a confidence boost; disagreement falls back to the
// per-source thresholds.
func (inf *Inferer) combine(patternEdges map[edgeKey]InferredDependency, judgments []PairJudgment, nodes map[string]model.Task) map[edgeKey]InferredDependency {
	aiEdges := make(map[edgeKey]PairJudgment)
	for _, judgment := range judgments {
		var key edgeKey
		switch judgment.Direction {
		case "1->2":
			key = edgeKey{dependent: judgment.Task2ID, dependency: judgment.Task1ID}
		case "2->1":
			key = edgeKey{dependent: judgment.Task1ID, dependency: judgment.Task2ID}
		default:
			continue
		}
		_, okDependent := nodes[key.dependent]
		_, okDependency := nodes[key.dependency]
		if !okDependent || !okDependency || key.dependent == key.dependency {
			continue
		}
		aiEdges[key] = judgment
	}

	combined := make(map[edgeKey]InferredDependency)
	for key, edge := range patternEdges {
		if judgment, ok := aiEdges[key]; ok {
			edge.Confidence = math.Min(1, (edge.PatternConfidence+judgment.Confidence)/2+inf.cfg.CombinedConfidenceBoost)
			edge.AIConfidence = judgment.Confidence
			edge.AIReasoning = judgment.Reasoning
			edge.Method = MethodBoth
			combined[key] = edge
			delete(aiEdges, key)
			continue
		}
		if edge.Confidence >= inf.cfg.PatternConfidenceThreshold {
			combined[key] = edge
		}
	}

	for key, judgment := range aiEdges {
		if judgment.Confidence < inf.cfg.AIConfidenceThreshold {
			continue
		}
		combined[key] = InferredDependency{
			DependentTaskID:  key.dependent,
			DependencyTaskID: key.dependency,
			Type:             judgmentType(judgment.DependencyType),
			Confidence:       judgment.Confidence,
			Reasoning:        judgment.Reasoning,
			Source:           "llm",
			AIConfidence:     judgment.Confidence,
			AIReasoning:      judgment.Reasoning,
			Method:           MethodAI,
		}
	}
	return combined
}

func judgmentType(raw string) DependencyType {
	switch DependencyType(strings.ToLower(raw)) {
	case DependencyHard:
		return DependencyHard
	case DependencySoft:
		return DependencySoft
	default:
		return DependencyLogical
	}
}
