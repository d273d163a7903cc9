// Package memory implements the four-tier learning store over task history
// and its predictive outputs.
package memory

import (
	"math"
	"sort"
	"time"
)

// TaskOutcome is the episodic record of a finished assignment.
type TaskOutcome struct {
	TaskID         string     `json:"task_id"`
	AgentID        string     `json:"agent_id"`
	TaskName       string     `json:"task_name"`
	EstimatedHours float64    `json:"estimated_hours"`
	ActualHours    float64    `json:"actual_hours"`
	Success        bool       `json:"success"`
	Blockers       []string   `json:"blockers,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// EstimationAccuracy is min(est, act) / max(est, act), or 0 when the
// estimate is missing.
func (o TaskOutcome) EstimationAccuracy() float64 {
	if o.EstimatedHours <= 0 {
		return 0
	}
	lo, hi := o.EstimatedHours, o.ActualHours
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi == 0 {
		return 0
	}
	return lo / hi
}

// AgentProfile is the semantic-tier summary of one agent's history.
type AgentProfile struct {
	AgentID                   string             `json:"agent_id"`
	TotalTasks                int                `json:"total_tasks"`
	SuccessfulTasks           int                `json:"successful_tasks"`
	FailedTasks               int                `json:"failed_tasks"`
	BlockedTasks              int                `json:"blocked_tasks"`
	SkillSuccessRates         map[string]float64 `json:"skill_success_rates"`
	AverageEstimationAccuracy float64            `json:"average_estimation_accuracy"`
	CommonBlockers            map[string]int     `json:"common_blockers"`
}

// SuccessRate is the fraction of completed tasks that succeeded.
func (p *AgentProfile) SuccessRate() float64 {
	if p.TotalTasks == 0 {
		return 0
	}
	return float64(p.SuccessfulTasks) / float64(p.TotalTasks)
}

// BlockageRate is the fraction of completed tasks that hit blockers.
func (p *AgentProfile) BlockageRate() float64 {
	if p.TotalTasks == 0 {
		return 0
	}
	return float64(p.BlockedTasks) / float64(p.TotalTasks)
}

// TaskPattern aggregates outcomes sharing a label set. The pattern key is
// the sorted labels joined by underscores.
type TaskPattern struct {
	PatternType     string         `json:"pattern_type"`
	TaskLabels      []string       `json:"task_labels"`
	RecentDurations []float64      `json:"recent_durations"`
	SuccessRate     float64        `json:"success_rate"`
	CommonBlockers  map[string]int `json:"common_blockers"`
	Prerequisites   []string       `json:"prerequisites,omitempty"`
	BestAgents      []string       `json:"best_agents,omitempty"`
}

// MedianDuration is the median of the sliding duration window.
func (p *TaskPattern) MedianDuration() float64 {
	if len(p.RecentDurations) == 0 {
		return 0
	}
	sorted := append([]float64(nil), p.RecentDurations...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// AverageDuration is the mean of the sliding duration window.
func (p *TaskPattern) AverageDuration() float64 {
	if len(p.RecentDurations) == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range p.RecentDurations {
		sum += d
	}
	return sum / float64(len(p.RecentDurations))
}

// Prediction is the base predictor output.
type Prediction struct {
	SuccessProbability float64  `json:"success_probability"`
	EstimatedDuration  float64  `json:"estimated_duration"`
	BlockageRisk       float64  `json:"blockage_risk"`
	RiskFactors        []string `json:"risk_factors"`
}

// RiskFactor is an emitted risk condition from the closed set.
type RiskFactor struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Risk factor types.
const (
	RiskNewAgent         = "new_agent"
	RiskRecurringBlocker = "recurring_blocker"
	RiskLowSkillMatch    = "low_skill_match"
	RiskHighComplexity   = "high_complexity"
	RiskUnfamiliarTask   = "unfamiliar_task"
)

// Risk severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// EnhancedPrediction is the v2 predictor output.
type EnhancedPrediction struct {
	SuccessProbability         float64      `json:"success_probability"`
	AdjustedSuccessProbability float64      `json:"success_probability_adjusted"`
	Confidence                 float64      `json:"confidence"`
	ConfidenceInterval         [2]float64   `json:"confidence_interval"`
	ComplexityFactor           float64      `json:"complexity_factor"`
	RecencyWeight              float64      `json:"recency_weight"`
	EstimatedDuration          float64      `json:"estimated_duration"`
	EnhancedDuration           float64      `json:"estimated_duration_enhanced"`
	DurationConfidenceInterval [2]float64   `json:"duration_confidence_interval"`
	BlockageRisk               float64      `json:"blockage_risk"`
	RiskFactors                []RiskFactor `json:"risk_factors"`
	MitigationSuggestions      []string     `json:"mitigation_suggestions"`
}

// CompletionEstimate is the specialized duration prediction.
type CompletionEstimate struct {
	ExpectedHours      float64    `json:"expected_hours"`
	ConfidenceInterval [2]float64 `json:"confidence_interval"`
	Factors            []string   `json:"factors"`
	Confidence         float64    `json:"confidence"`
	SampleSize         int        `json:"sample_size"`
}

// BlockageForecast is the composed blockage risk prediction.
type BlockageForecast struct {
	OverallRisk        float64            `json:"overall_risk"`
	RiskBreakdown      map[string]float64 `json:"risk_breakdown"`
	PreventiveMeasures []string           `json:"preventive_measures"`
	HistoricalBlockers []string           `json:"historical_blockers"`
}

// AffectedTask is one downstream task hit by a cascade delay.
type AffectedTask struct {
	TaskID     string  `json:"task_id"`
	DelayHours float64 `json:"delay_hours"`
}

// CascadeForecast estimates propagated slippage of dependent tasks.
type CascadeForecast struct {
	AffectedTasks      []AffectedTask `json:"affected_tasks"`
	TotalDelay         float64        `json:"total_delay"`
	CriticalPathImpact bool           `json:"critical_path_impact"`
	MitigationOptions  []string       `json:"mitigation_options"`
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
