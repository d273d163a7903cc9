package kanban

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/taskherd/taskherd/internal/model"
)

// Description markers. Tasks round-trip through the board as free text plus
// these metadata lines; encoding then parsing must reproduce the exact
// description bytes.
const (
	markerOriginalID   = "🏷️ Original ID: "
	markerEstimated    = "⏱️ Estimated: "
	markerDependencies = "🔗 Dependencies: "
	prioritySuffix     = " Priority: "
)

var priorityEmojis = map[model.Priority]string{
	model.PriorityUrgent: "🔴",
	model.PriorityHigh:   "🟠",
	model.PriorityMedium: "🟡",
	model.PriorityLow:    "🟢",
}

// Meta is the task metadata embedded in a board description.
type Meta struct {
	OriginalID     string
	EstimatedHours float64
	Priority       model.Priority
	Dependencies   []string
}

// EncodeDescription renders the free-text body followed by the metadata
// block.
func EncodeDescription(body string, meta Meta) string {
	var markers []string
	if meta.OriginalID != "" {
		markers = append(markers, markerOriginalID+meta.OriginalID)
	}
	if meta.EstimatedHours > 0 {
		markers = append(markers, fmt.Sprintf("%s%s hours", markerEstimated, strconv.FormatFloat(meta.EstimatedHours, 'g', -1, 64)))
	}
	if emoji, ok := priorityEmojis[meta.Priority]; ok {
		markers = append(markers, emoji+prioritySuffix+strings.ToUpper(string(meta.Priority)))
	}
	if len(meta.Dependencies) > 0 {
		markers = append(markers, markerDependencies+strings.Join(meta.Dependencies, ", "))
	}

	switch {
	case body == "":
		return strings.Join(markers, "\n")
	case len(markers) == 0:
		return body
	default:
		return body + "\n\n" + strings.Join(markers, "\n")
	}
}

// ParseDescription splits a board description into its free-text body and
// embedded metadata. Unknown lines stay in the body untouched.
func ParseDescription(description string) (string, Meta) {
	var meta Meta
	var bodyLines []string
	sawMarker := false

	for _, line := range strings.Split(description, "\n") {
		switch {
		case strings.HasPrefix(line, markerOriginalID):
			sawMarker = true
			meta.OriginalID = strings.TrimSpace(strings.TrimPrefix(line, markerOriginalID))
		case strings.HasPrefix(line, markerEstimated):
			sawMarker = true
			raw := strings.TrimSpace(strings.TrimPrefix(line, markerEstimated))
			raw = strings.TrimSuffix(raw, " hours")
			if hours, err := strconv.ParseFloat(raw, 64); err == nil {
				meta.EstimatedHours = hours
			}
		case strings.HasPrefix(line, markerDependencies):
			sawMarker = true
			raw := strings.TrimSpace(strings.TrimPrefix(line, markerDependencies))
			for _, dep := range strings.Split(raw, ",") {
				if dep = strings.TrimSpace(dep); dep != "" {
					meta.Dependencies = append(meta.Dependencies, dep)
				}
			}
		case parsePriorityLine(line, &meta):
			sawMarker = true
		default:
			bodyLines = append(bodyLines, line)
		}
	}

	// Drop the single blank line separating body from the metadata block.
	if sawMarker && len(bodyLines) > 0 && bodyLines[len(bodyLines)-1] == "" {
		bodyLines = bodyLines[:len(bodyLines)-1]
	}
	return strings.Join(bodyLines, "\n"), meta
}

func parsePriorityLine(line string, meta *Meta) bool {
	for priority, emoji := range priorityEmojis {
		if strings.HasPrefix(line, emoji+prioritySuffix) {
			level := strings.TrimSpace(strings.TrimPrefix(line, emoji+prioritySuffix))
			if strings.EqualFold(level, string(priority)) {
				meta.Priority = priority
				return true
			}
			// Emoji and level disagree; the level text wins.
			meta.Priority = model.Priority(strings.ToLower(level))
			return true
		}
	}
	return false
}
