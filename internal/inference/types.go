// Package inference builds dependency graphs over project tasks by combining
// deterministic pattern matching with optional LLM refinement.
package inference

import (
	"context"

	"github.com/taskherd/taskherd/internal/model"
)

// DependencyType classifies how strongly an edge binds two tasks.
type DependencyType string

const (
	// DependencyHard edges are structural and survive transitive cleanup.
	DependencyHard DependencyType = "hard"
	// DependencySoft edges are ordering preferences.
	DependencySoft DependencyType = "soft"
	// DependencyLogical edges come from semantic reasoning about the tasks.
	DependencyLogical DependencyType = "logical"
)

// Inference methods recorded on edges.
const (
	MethodPattern = "pattern"
	MethodAI      = "ai"
	MethodBoth    = "both"
)

// InferredDependency is a directed edge: the dependent task cannot start
// until the dependency task is done.
type InferredDependency struct {
	DependentTaskID   string         `json:"dependent_task_id"`
	DependencyTaskID  string         `json:"dependency_task_id"`
	Type              DependencyType `json:"dependency_type"`
	Confidence        float64        `json:"confidence"`
	Reasoning         string         `json:"reasoning"`
	Source            string         `json:"source"`
	PatternConfidence float64        `json:"pattern_confidence,omitempty"`
	AIConfidence      float64        `json:"ai_confidence,omitempty"`
	AIReasoning       string         `json:"ai_reasoning,omitempty"`
	Method            string         `json:"inference_method"`
}

// PairJudgment is one element of the refiner's JSON response.
type PairJudgment struct {
	Task1ID        string  `json:"task1_id"`
	Task2ID        string  `json:"task2_id"`
	Direction      string  `json:"dependency_direction"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	DependencyType string  `json:"dependency_type"`
}

// Refiner analyzes ambiguous task pairs. Implementations live in the llm
// package; anything returning the judgment schema can plug in.
type Refiner interface {
	RefineDependencies(ctx context.Context, prompt string) ([]PairJudgment, error)
}

// taskPair is an unordered pair of task ids, stored with ids sorted.
type taskPair struct {
	a, b string
}

func newTaskPair(x, y string) taskPair {
	if x > y {
		x, y = y, x
	}
	return taskPair{a: x, b: y}
}

// edgeKey identifies a directed edge.
type edgeKey struct {
	dependent  string
	dependency string
}

func taskByID(tasks []model.Task) map[string]model.Task {
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}
