package inference

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/taskherd/taskherd/internal/model"
)

// dependencyRule is one weighted keyword pattern. A dependent/dependency
// match proposes an edge at the rule's confidence, subject to the logical
// validity checks below.
type dependencyRule struct {
	name       string
	dependent  *regexp.Regexp
	dependency *regexp.Regexp
	confidence float64
	// mandatory rules produce hard edges that survive transitive cleanup.
	mandatory bool
	// componentMatch rules additionally require a shared name word, so that
	// "backend" tasks only block the frontend tasks of the same component.
	componentMatch bool
}

var dependencyRules = []dependencyRule{
	{
		name:       "setup_blocks_all",
		dependent:  regexp.MustCompile(`\b(implement|build|create|develop|test|deploy)`),
		dependency: regexp.MustCompile(`\b(setup|init|configure|install|scaffold)`),
		confidence: 0.95,
		mandatory:  true,
	},
	{
		name:       "design_before_implementation",
		dependent:  regexp.MustCompile(`\b(implement|build|create|code|develop)`),
		dependency: regexp.MustCompile(`\b(design|architect|plan|wireframe|spec)`),
		confidence: 0.95,
		mandatory:  true,
	},
	{
		name:           "backend_before_frontend",
		dependent:      regexp.MustCompile(`\b(frontend|ui|client|interface)`),
		dependency:     regexp.MustCompile(`\b(backend|api|server|endpoint|service)`),
		confidence:     0.85,
		componentMatch: true,
	},
	{
		name:       "implementation_before_testing",
		dependent:  regexp.MustCompile(`\b(test|qa|quality|verify|testing)`),
		dependency: regexp.MustCompile(`\b(implement|build|create|develop)`),
		confidence: 0.95,
		mandatory:  true,
	},
	{
		name:       "testing_before_deployment",
		dependent:  regexp.MustCompile(`\b(deploy|release|launch|production)`),
		dependency: regexp.MustCompile(`\b(test|qa|quality|verify|testing)`),
		confidence: 0.95,
		mandatory:  true,
	},
	{
		name:           "schema_before_models",
		dependent:      regexp.MustCompile(`\b(model|entity|orm)`),
		dependency:     regexp.MustCompile(`\b(schema|database.*design)`),
		confidence:     0.85,
		componentMatch: true,
	},
	{
		name:       "auth_before_authz",
		dependent:  regexp.MustCompile(`\b(authorization|permission|role|access)`),
		dependency: regexp.MustCompile(`\b(authentication|login|signin)`),
		confidence: 0.90,
		mandatory:  true,
	},
	{
		name:       "basic_before_advanced",
		dependent:  regexp.MustCompile(`\b(advanced|complex|optimization|caching)`),
		dependency: regexp.MustCompile(`\b(basic|crud|create|read|update|delete)`),
		confidence: 0.75,
	},
}

// Project phases, ordered. A dependency must belong to a strictly earlier
// phase than its dependent; tasks outside any phase sit between
// implementation and testing.
const unknownPhase = 2.5

var phaseKeywords = []struct {
	phase    float64
	keywords *regexp.Regexp
}{
	{1, regexp.MustCompile(`\b(design|architect|plan|wireframe|spec|setup|init|configure|install|scaffold)`)},
	{2, regexp.MustCompile(`\b(implement|build|create|code|develop)`)},
	{3, regexp.MustCompile(`\b(test|qa|quality|verify|testing)`)},
	{4, regexp.MustCompile(`\b(deploy|release|launch|production)`)},
}

func taskPhase(t model.Task) float64 {
	name := strings.ToLower(t.Name)
	for _, entry := range phaseKeywords {
		if entry.keywords.MatchString(name) {
			return entry.phase
		}
	}
	return unknownPhase
}

var patternStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "for": true, "of": true,
	"in": true, "on": true, "with": true, "and": true, "or": true, "is": true,
	"it": true, "this": true, "that": true, "be": true, "as": true, "at": true,
	"by": true, "from": true, "new": true, "add": true,
}

func normalizeTaskText(t model.Task) string {
	return strings.ToLower(t.Name + " " + t.Description)
}

func nameWords(name string) map[string]bool {
	words := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(name)) {
		word = strings.Trim(word, ".,:;!?()[]\"'")
		if len(word) > 1 && !patternStopWords[word] {
			words[word] = true
		}
	}
	return words
}

func sharedWordCount(a, b map[string]bool) int {
	shared := 0
	for word := range a {
		if b[word] {
			shared++
		}
	}
	return shared
}

// maxDependencyAge rejects temporal nonsense: a dependency created long
// after its dependent cannot have blocked it.
const maxDependencyAge = 7 * 24 * time.Hour

// validEdge applies the logical checks shared by every rule match.
func validEdge(rule dependencyRule, dependent, dependency model.Task, requireComponentMatch bool) bool {
	// A finished task cannot wait on unfinished work.
	if dependent.Status == model.StatusDone && dependency.Status != model.StatusDone {
		return false
	}

	if rule.componentMatch || requireComponentMatch {
		if sharedWordCount(nameWords(dependent.Name), nameWords(dependency.Name)) == 0 {
			return false
		}
	}

	if taskPhase(dependency) >= taskPhase(dependent) {
		return false
	}

	if !dependent.CreatedAt.IsZero() && !dependency.CreatedAt.IsZero() &&
		dependency.CreatedAt.After(dependent.CreatedAt.Add(maxDependencyAge)) {
		return false
	}
	return true
}

// patternPass runs every rule over every ordered task pair and keeps the
// highest-confidence match per pair.
func (inf *Inferer) patternPass(tasks []model.Task) map[edgeKey]InferredDependency {
	texts := make(map[string]string, len(tasks))
	for _, t := range tasks {
		texts[t.ID] = normalizeTaskText(t)
	}

	edges := make(map[edgeKey]InferredDependency)
	for _, dependent := range tasks {
		for _, dependency := range tasks {
			if dependent.ID == dependency.ID {
				continue
			}
			for _, rule := range dependencyRules {
				if !rule.dependent.MatchString(texts[dependent.ID]) ||
					!rule.dependency.MatchString(texts[dependency.ID]) {
					continue
				}
				if !validEdge(rule, dependent, dependency, inf.cfg.RequireComponentMatch) {
					continue
				}
				key := edgeKey{dependent: dependent.ID, dependency: dependency.ID}
				if existing, ok := edges[key]; ok && existing.Confidence >= rule.confidence {
					continue
				}
				edgeType := DependencySoft
				if rule.mandatory {
					edgeType = DependencyHard
				}
				edges[key] = InferredDependency{
					DependentTaskID:   dependent.ID,
					DependencyTaskID:  dependency.ID,
					Type:              edgeType,
					Confidence:        rule.confidence,
					Reasoning:         fmt.Sprintf("%s: %q waits on %q", rule.name, dependent.Name, dependency.Name),
					Source:            rule.name,
					PatternConfidence: rule.confidence,
					Method:            MethodPattern,
				}
			}
		}
	}
	return edges
}
