package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/taskherd/taskherd/internal/bus"
	"github.com/taskherd/taskherd/internal/model"
)

var complexLabels = map[string]bool{
	"complex": true, "advanced": true, "expert": true, "difficult": true, "integration": true,
}

var simpleLabels = map[string]bool{
	"simple": true, "basic": true, "trivial": true, "easy": true, "minor": true,
}

// labelRisks maps known risky labels to their blockage contribution.
var labelRisks = map[string]float64{
	"integration":    0.4,
	"deployment":     0.35,
	"migration":      0.5,
	"authentication": 0.45,
	"third-party":    0.55,
}

var preventiveMeasures = map[string]string{
	"integration":           "Confirm API contracts with owners of dependent services before starting",
	"deployment":            "Prepare a rollback plan and verify the deployment pipeline",
	"migration":             "Back up affected data and rehearse the migration on a copy",
	"authentication":        "Verify credentials, tokens, and access scopes up front",
	"third-party":           "Check third-party service status and rate limits",
	"multiple_dependencies": "Confirm every dependency is truly complete before starting",
}

var mitigationSuggestions = map[string]string{
	RiskNewAgent:         "Assign a simpler first task or pair with an experienced agent",
	RiskRecurringBlocker: "Resolve the recurring blocker before the task starts",
	RiskLowSkillMatch:    "Provide reference implementations for the weak skill areas",
	RiskHighComplexity:   "Split the task into smaller, independently verifiable pieces",
	RiskUnfamiliarTask:   "Budget extra time for discovery and review",
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "for": true, "of": true,
	"in": true, "on": true, "with": true, "and": true, "or": true, "is": true,
	"it": true, "this": true, "that": true, "be": true, "as": true, "at": true,
	"by": true, "from": true,
}

var technicalTerms = map[string]bool{
	"api": true, "database": true, "frontend": true, "backend": true,
	"test": true, "auth": true, "ui": true,
}

// PredictTaskOutcome is the base predictor over profile and pattern history.
func (m *Memory) PredictTaskOutcome(ctx context.Context, agentID string, task model.Task) Prediction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictBase(agentID, task)
}

// predictBase computes the base prediction. Caller holds the lock.
func (m *Memory) predictBase(agentID string, task model.Task) Prediction {
	prediction := Prediction{
		SuccessProbability: 0.5,
		EstimatedDuration:  task.EstimatedHours,
		BlockageRisk:       0.3,
		RiskFactors:        []string{},
	}

	if profile, ok := m.agentProfiles[agentID]; ok {
		prediction.SuccessProbability = profile.SuccessRate()
		if len(task.Labels) > 0 {
			sum := 0.0
			for _, label := range task.Labels {
				rate, ok := profile.SkillSuccessRates[label]
				if !ok {
					rate = 0.5
				}
				sum += rate
			}
			prediction.SuccessProbability = sum / float64(len(task.Labels))
		}
		prediction.BlockageRisk = profile.BlockageRate()
		if profile.AverageEstimationAccuracy > 0 {
			prediction.EstimatedDuration = task.EstimatedHours / profile.AverageEstimationAccuracy
		}
	}

	if pattern, ok := m.taskPatterns[PatternKey(task.Labels)]; ok && len(task.Labels) > 0 {
		prediction.EstimatedDuration = pattern.MedianDuration()
		for blocker := range pattern.CommonBlockers {
			prediction.RiskFactors = append(prediction.RiskFactors, blocker)
		}
		sort.Strings(prediction.RiskFactors)
	}
	return prediction
}

// PredictTaskOutcomeV2 is the enhanced predictor with confidence interval,
// complexity factor, and the closed risk-factor set.
func (m *Memory) PredictTaskOutcomeV2(ctx context.Context, agentID string, task model.Task) EnhancedPrediction {
	m.mu.Lock()

	base := m.predictBase(agentID, task)
	profile, hasProfile := m.agentProfiles[agentID]
	agentOutcomes := m.outcomesForAgent(agentID)
	similar := m.similarOutcomes(task, 0)

	confidence := sampleConfidence(len(agentOutcomes))
	complexity := m.complexityFactor(task, agentOutcomes)
	recency := recencyWeight(agentOutcomes)

	adjusted := base.SuccessProbability
	if complexity > 1 {
		adjusted /= complexity
	}
	adjusted *= recency
	adjusted = clamp(adjusted, 0.1, 0.95)

	margin := 0.3 * (1 - confidence)
	interval := [2]float64{clamp(adjusted-margin, 0, 1), clamp(adjusted+margin, 0, 1)}

	enhanced := m.enhancedDuration(task, similar, profile, hasProfile, complexity)

	prediction := EnhancedPrediction{
		SuccessProbability:         base.SuccessProbability,
		AdjustedSuccessProbability: adjusted,
		Confidence:                 confidence,
		ConfidenceInterval:         interval,
		ComplexityFactor:           complexity,
		RecencyWeight:              recency,
		EstimatedDuration:          base.EstimatedDuration,
		EnhancedDuration:           enhanced,
		DurationConfidenceInterval: [2]float64{enhanced * 0.8, enhanced * 1.3},
		BlockageRisk:               base.BlockageRisk,
	}
	prediction.RiskFactors = m.riskFactors(agentID, task, profile, hasProfile, complexity, similar)
	for _, factor := range prediction.RiskFactors {
		if suggestion, ok := mitigationSuggestions[factor.Type]; ok {
			prediction.MitigationSuggestions = append(prediction.MitigationSuggestions, suggestion)
		}
	}
	m.mu.Unlock()

	m.events.Publish(ctx, bus.EventPredictionMade, source, map[string]any{
		"agent_id":   agentID,
		"task_id":    task.ID,
		"confidence": prediction.Confidence,
	}, nil)
	return prediction
}

// sampleConfidence grows logarithmically in sample size up to 20 samples and
// plateaus at 0.95 beyond.
func sampleConfidence(n int) float64 {
	if n < 20 {
		return 0.1 + 0.7*math.Log(float64(n)+1)/math.Log(21)
	}
	return math.Min(0.95, 0.8+0.15*float64(n-20)/20)
}

// complexityFactor relates the task estimate to the agent's typical estimate,
// scaled by complexity-signaling labels. Caller holds the lock.
func (m *Memory) complexityFactor(task model.Task, agentOutcomes []TaskOutcome) float64 {
	factor := task.EstimatedHours / 10
	if len(agentOutcomes) > 0 {
		sum := 0.0
		for _, outcome := range agentOutcomes {
			sum += outcome.EstimatedHours
		}
		avg := sum / float64(len(agentOutcomes))
		if avg > 0 {
			factor = task.EstimatedHours / avg
		}
	}
	for _, label := range task.Labels {
		if complexLabels[strings.ToLower(label)] {
			factor *= 1.2
			break
		}
	}
	for _, label := range task.Labels {
		if simpleLabels[strings.ToLower(label)] {
			factor *= 0.8
			break
		}
	}
	return clamp(factor, 0.5, 3.0)
}

// recencyWeight is the mean decay weight across the agent's outcomes.
func recencyWeight(agentOutcomes []TaskOutcome) float64 {
	if len(agentOutcomes) == 0 {
		return 0.5
	}
	now := time.Now()
	sum := 0.0
	for _, outcome := range agentOutcomes {
		weeks := 0.0
		if outcome.CompletedAt != nil {
			weeks = now.Sub(*outcome.CompletedAt).Hours() / (24 * 7)
		}
		sum += math.Pow(memoryDecay, weeks)
	}
	return sum / float64(len(agentOutcomes))
}

// enhancedDuration prefers the estimate ratio across similar outcomes, then
// the profile accuracy correction, then the complexity scaling. Caller holds
// the lock.
func (m *Memory) enhancedDuration(task model.Task, similar []TaskOutcome, profile *AgentProfile, hasProfile bool, complexity float64) float64 {
	duration := 0.0
	switch {
	case len(similar) > 0:
		sumActual, sumEstimated := 0.0, 0.0
		for _, outcome := range similar {
			sumActual += outcome.ActualHours
			sumEstimated += outcome.EstimatedHours
		}
		if sumEstimated > 0 {
			duration = task.EstimatedHours * (sumActual / sumEstimated)
		}
	case hasProfile && profile.AverageEstimationAccuracy > 0:
		duration = task.EstimatedHours / profile.AverageEstimationAccuracy
	}
	if duration == 0 {
		if hasProfile && profile.AverageEstimationAccuracy > 0 {
			duration = task.EstimatedHours / profile.AverageEstimationAccuracy
		} else {
			duration = task.EstimatedHours * complexity
		}
	}
	return math.Max(duration, 0.5)
}

// riskFactors emits the closed risk-factor set. Caller holds the lock.
func (m *Memory) riskFactors(agentID string, task model.Task, profile *AgentProfile, hasProfile bool, complexity float64, similar []TaskOutcome) []RiskFactor {
	var factors []RiskFactor

	if !hasProfile {
		factors = append(factors, RiskFactor{
			Type:        RiskNewAgent,
			Severity:    SeverityMedium,
			Description: "no history recorded for agent " + agentID,
		})
	}

	if hasProfile && profile.TotalTasks > 0 {
		for blocker, count := range profile.CommonBlockers {
			if count > 2 && float64(count)/float64(profile.TotalTasks) > 0.1 {
				factors = append(factors, RiskFactor{
					Type:        RiskRecurringBlocker,
					Severity:    SeverityHigh,
					Description: "blocker seen repeatedly: " + blocker,
				})
			}
		}
		for _, label := range task.Labels {
			if rate, ok := profile.SkillSuccessRates[label]; ok && rate < 0.5 {
				factors = append(factors, RiskFactor{
					Type:        RiskLowSkillMatch,
					Severity:    SeverityMedium,
					Description: "low success rate on label " + label,
				})
			}
		}
	}

	if complexity > 2.0 {
		factors = append(factors, RiskFactor{
			Type:        RiskHighComplexity,
			Severity:    SeverityHigh,
			Description: "task is unusually large for this agent",
		})
	}

	if len(similar) == 0 {
		factors = append(factors, RiskFactor{
			Type:        RiskUnfamiliarTask,
			Severity:    SeverityLow,
			Description: "no similar tasks in history",
		})
	}
	return factors
}

// PredictCompletionTime estimates duration with an interval sized by how much
// comparable history exists.
func (m *Memory) PredictCompletionTime(ctx context.Context, agentID string, task model.Task) CompletionEstimate {
	m.mu.Lock()
	defer m.mu.Unlock()

	agentSimilar := filterByAgent(m.similarOutcomes(task, 0), agentID)
	allSimilar := m.similarOutcomes(task, 0)
	profile, hasProfile := m.agentProfiles[agentID]

	estimate := CompletionEstimate{Factors: []string{}}
	switch {
	case len(agentSimilar) >= 5:
		mean, stddev := meanStddevActual(agentSimilar)
		spread := math.Max(stddev, 0.3*mean)
		estimate.ExpectedHours = mean
		estimate.ConfidenceInterval = [2]float64{math.Max(0.5, mean-spread), mean + spread}
		estimate.Confidence = 0.8
		estimate.SampleSize = len(agentSimilar)
		estimate.Factors = append(estimate.Factors, "agent_history")
	case len(allSimilar) >= 3:
		mean, _ := meanStddevActual(allSimilar)
		estimate.ExpectedHours = mean
		estimate.ConfidenceInterval = [2]float64{math.Max(0.5, mean*0.75), mean * 1.25}
		estimate.Confidence = 0.6
		estimate.SampleSize = len(allSimilar)
		estimate.Factors = append(estimate.Factors, "cross_agent_history")
	default:
		expected := task.EstimatedHours
		if hasProfile && profile.AverageEstimationAccuracy > 0 {
			expected = task.EstimatedHours / profile.AverageEstimationAccuracy
		}
		estimate.ExpectedHours = expected
		estimate.ConfidenceInterval = [2]float64{math.Max(0.5, expected*0.7), expected * 1.3}
		estimate.Confidence = 0.5
		estimate.SampleSize = len(allSimilar)
		estimate.Factors = append(estimate.Factors, "estimate_only")
	}

	if time.Now().Hour() >= 15 {
		estimate.ConfidenceInterval[1] *= 1.1
		estimate.Factors = append(estimate.Factors, "late_day_start")
	}
	return estimate
}

// PredictBlockageProbability composes independent blockage risks into one
// overall probability.
func (m *Memory) PredictBlockageProbability(ctx context.Context, agentID string, task model.Task) BlockageForecast {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, hasProfile := m.agentProfiles[agentID]
	baseRisk := 0.3
	if hasProfile {
		baseRisk = profile.BlockageRate()
	}

	breakdown := make(map[string]float64)
	for _, label := range task.Labels {
		if risk, ok := labelRisks[strings.ToLower(label)]; ok {
			breakdown[strings.ToLower(label)+"_complexity"] = risk
		}
	}
	if n := len(task.Dependencies); n > 3 {
		breakdown["multiple_dependencies"] = 0.3 + 0.05*float64(n)
	}
	if hasProfile && profile.TotalTasks > 0 {
		for blocker, count := range profile.CommonBlockers {
			frequency := float64(count) / float64(profile.TotalTasks)
			if frequency > 0.1 {
				breakdown[blocker] = frequency
			}
		}
	}

	// Risks compose as independent events; the agent baseline acts as a floor.
	survival := 1.0
	for _, risk := range breakdown {
		survival *= 1 - risk
	}
	overall := 1 - survival
	if len(breakdown) == 0 || overall < baseRisk {
		overall = baseRisk
	}
	overall = math.Min(overall, 0.95)

	forecast := BlockageForecast{
		OverallRisk:        overall,
		RiskBreakdown:      breakdown,
		PreventiveMeasures: []string{},
		HistoricalBlockers: m.topHistoricalBlockers(task, 20, 5),
	}
	for key := range breakdown {
		lookup := strings.TrimSuffix(key, "_complexity")
		if measure, ok := preventiveMeasures[lookup]; ok {
			forecast.PreventiveMeasures = append(forecast.PreventiveMeasures, measure)
		}
	}
	sort.Strings(forecast.PreventiveMeasures)
	return forecast
}

// topHistoricalBlockers collects the most frequent blockers across the most
// similar past outcomes. Caller holds the lock.
func (m *Memory) topHistoricalBlockers(task model.Task, similarLimit, top int) []string {
	similar := m.similarOutcomes(task, similarLimit)
	counts := make(map[string]int)
	for _, outcome := range similar {
		for _, blocker := range outcome.Blockers {
			counts[blocker]++
		}
	}
	blockers := make([]string, 0, len(counts))
	for blocker := range counts {
		blockers = append(blockers, blocker)
	}
	sort.Slice(blockers, func(i, j int) bool {
		if counts[blockers[i]] != counts[blockers[j]] {
			return counts[blockers[i]] > counts[blockers[j]]
		}
		return blockers[i] < blockers[j]
	})
	if len(blockers) > top {
		blockers = blockers[:top]
	}
	return blockers
}

// PredictCascadeEffects walks the explicit dependency graph breadth-first
// from a delayed task, attenuating the delay by 0.8 per hop.
func (m *Memory) PredictCascadeEffects(ctx context.Context, taskID string, delayHours float64) CascadeForecast {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Forward adjacency: dependency id -> tasks that depend on it.
	dependents := make(map[string][]string)
	for _, t := range m.allTasks {
		for _, depID := range t.Dependencies {
			dependents[depID] = append(dependents[depID], t.ID)
		}
	}
	for _, ids := range dependents {
		sort.Strings(ids)
	}

	forecast := CascadeForecast{TotalDelay: delayHours}
	visited := map[string]bool{taskID: true}
	type hop struct {
		id    string
		delay float64
	}
	queue := []hop{{id: taskID, delay: delayHours}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, nextID := range dependents[current.id] {
			if visited[nextID] {
				continue
			}
			visited[nextID] = true
			propagated := current.delay * 0.8
			forecast.AffectedTasks = append(forecast.AffectedTasks, AffectedTask{TaskID: nextID, DelayHours: propagated})
			forecast.TotalDelay += propagated
			queue = append(queue, hop{id: nextID, delay: propagated})
		}
	}

	forecast.CriticalPathImpact = len(forecast.AffectedTasks) > 3 || forecast.TotalDelay > 24
	if forecast.CriticalPathImpact {
		forecast.MitigationOptions = []string{
			"Prioritize the delayed task immediately",
			"Reassign downstream tasks to available agents",
			"Re-plan the critical path with updated estimates",
		}
	} else if len(forecast.AffectedTasks) > 0 {
		forecast.MitigationOptions = []string{"Monitor downstream tasks for slippage"}
	}
	return forecast
}

// GlobalMedianDuration prefers the backend SQL median, falls back to the
// in-memory outcomes, and defaults to 1.0 with no history.
func (m *Memory) GlobalMedianDuration(ctx context.Context) float64 {
	if m.medians != nil {
		if median, err := m.medians.MedianTaskDuration(ctx); err == nil && median > 0 {
			return median
		} else if err != nil {
			m.logger.Warn().Err(err).Msg("backend median unavailable")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var durations []float64
	for _, outcome := range m.outcomes {
		if outcome.Success && outcome.ActualHours > 0 {
			durations = append(durations, outcome.ActualHours)
		}
	}
	if len(durations) == 0 {
		return 1.0
	}
	sort.Float64s(durations)
	mid := len(durations) / 2
	if len(durations)%2 == 1 {
		return durations[mid]
	}
	return (durations[mid-1] + durations[mid]) / 2
}

// FindSimilarOutcomes returns past outcomes ranked by task-name similarity.
func (m *Memory) FindSimilarOutcomes(task model.Task, limit int) []TaskOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.similarOutcomes(task, limit)
}

// similarOutcomes ranks outcomes by similarity. A limit of 0 returns every
// similar outcome. Caller holds the lock.
func (m *Memory) similarOutcomes(task model.Task, limit int) []TaskOutcome {
	type scored struct {
		outcome TaskOutcome
		score   float64
	}
	var matches []scored
	for _, outcome := range m.outcomes {
		if similarTasks(task.Name, outcome.TaskName) {
			matches = append(matches, scored{outcome: outcome, score: nameSimilarity(task.Name, outcome.TaskName)})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]TaskOutcome, len(matches))
	for i, match := range matches {
		out[i] = match.outcome
	}
	return out
}

// outcomesForAgent selects the agent's outcomes in recording order. Caller
// holds the lock.
func (m *Memory) outcomesForAgent(agentID string) []TaskOutcome {
	return filterByAgent(m.outcomes, agentID)
}

func filterByAgent(outcomes []TaskOutcome, agentID string) []TaskOutcome {
	var out []TaskOutcome
	for _, outcome := range outcomes {
		if outcome.AgentID == agentID {
			out = append(out, outcome)
		}
	}
	return out
}

func meanStddevActual(outcomes []TaskOutcome) (float64, float64) {
	if len(outcomes) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, outcome := range outcomes {
		sum += outcome.ActualHours
	}
	mean := sum / float64(len(outcomes))
	variance := 0.0
	for _, outcome := range outcomes {
		variance += (outcome.ActualHours - mean) * (outcome.ActualHours - mean)
	}
	variance /= float64(len(outcomes))
	return mean, math.Sqrt(variance)
}

func meaningfulWords(name string) map[string]bool {
	words := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(name)) {
		word = strings.Trim(word, ".,:;!?()[]")
		if word != "" && !stopWords[word] {
			words[word] = true
		}
	}
	return words
}

// similarTasks applies the similarity rule: name-word overlap of at least 0.3
// or a shared technical term.
func similarTasks(a, b string) bool {
	wordsA, wordsB := meaningfulWords(a), meaningfulWords(b)
	if nameJaccard(wordsA, wordsB) >= 0.3 {
		return true
	}
	for word := range wordsA {
		if technicalTerms[word] && wordsB[word] {
			return true
		}
	}
	return false
}

func nameSimilarity(a, b string) float64 {
	return nameJaccard(meaningfulWords(a), meaningfulWords(b))
}

func nameJaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for word := range a {
		if b[word] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
