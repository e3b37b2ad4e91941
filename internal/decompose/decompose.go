// Package decompose splits oversized tasks into bounded sub-tasks.
//
// The decision function is pure: it analyzes a task's description and
// metadata against fixed thresholds and, when any is exceeded, produces
// child task specs. Recursion stops at a hard depth ceiling so a task
// that is still oversized at the limit simply runs as-is.
package decompose

import (
	"fmt"
	"strings"
)

// Thresholds. A task exceeding any of them at depth < MaxDepth is split.
const (
	MaxFiles    = 5
	MaxLoc      = 400
	MaxItems    = 10
	MaxConcerns = 3
	MaxDepth    = 3
)

// Cross-cutting concern layers probed in the description
var concernMarkers = map[string][]string{
	"data":         {"database", "migration", "schema", "model", "sql", "storage", "repository"},
	"interface":    {"api", "endpoint", "route", "grpc", "handler", "contract"},
	"presentation": {"ui", "frontend", "component", "screen", "page", "view", "css"},
	"test":         {"test", "coverage", "regression", "e2e"},
}

// Trivial work never worth splitting regardless of the estimate
var trivialMarkers = []string{
	"typo", "rename", "remove unused", "delete",
	"update version", "bump", "change import",
	"fix import", "add import", "missing import",
	"single file", "one line",
}

// Analysis is the complexity measurement of one task
type Analysis struct {
	Files    []string
	LocEst   int
	Items    []string
	Concerns []string
	Depth    int
}

// ExceedsFiles reports whether the file count is over threshold
func (a Analysis) ExceedsFiles() bool { return len(a.Files) > MaxFiles }

// ExceedsLoc reports whether the LOC estimate is over threshold
func (a Analysis) ExceedsLoc() bool { return a.LocEst > MaxLoc }

// ExceedsItems reports whether the item count is over threshold
func (a Analysis) ExceedsItems() bool { return len(a.Items) > MaxItems }

// ExceedsConcerns reports whether too many layers are implicated
func (a Analysis) ExceedsConcerns() bool { return len(a.Concerns) > MaxConcerns }

// Oversized reports whether any threshold is exceeded
func (a Analysis) Oversized() bool {
	return a.ExceedsFiles() || a.ExceedsLoc() || a.ExceedsItems() || a.ExceedsConcerns()
}

// Reason names the thresholds that tripped, for logging
func (a Analysis) Reason() string {
	var reasons []string
	if a.ExceedsFiles() {
		reasons = append(reasons, fmt.Sprintf("files=%d", len(a.Files)))
	}
	if a.ExceedsLoc() {
		reasons = append(reasons, fmt.Sprintf("loc=%d", a.LocEst))
	}
	if a.ExceedsItems() {
		reasons = append(reasons, fmt.Sprintf("items=%d", len(a.Items)))
	}
	if a.ExceedsConcerns() {
		reasons = append(reasons, fmt.Sprintf("concerns=%d", len(a.Concerns)))
	}
	if len(reasons) == 0 {
		return "within limits"
	}
	return strings.Join(reasons, ", ")
}

// TaskSpec is the decomposer's view of a task: enough to measure and split,
// nothing about persistence
type TaskSpec struct {
	ID            string
	Domain        string
	Description   string
	PriorityScore float64
	FractalDepth  int
	Metadata      map[string]string
}

// ChildSpec is one proposed sub-task
type ChildSpec struct {
	ID            string
	Domain        string
	Description   string
	PriorityScore float64
	Metadata      map[string]string
}

// Analyze measures a task against the thresholds.
//
// Files come from the "files" metadata key (comma separated). Items are
// counted from list-like structure in the description (newline bullets or
// comma-separated clauses). The LOC estimate is a coarse heuristic over
// wording, good enough to separate one-liner fixes from multi-day work.
func Analyze(task TaskSpec) Analysis {
	return Analysis{
		Files:    splitFiles(task.Metadata["files"]),
		LocEst:   estimateLoc(task.Description),
		Items:    extractItems(task.Description),
		Concerns: detectConcerns(task.Description),
		Depth:    task.FractalDepth,
	}
}

// ShouldSplit decides whether the task must be decomposed. Trivial tasks
// and tasks at the depth ceiling are never split.
func ShouldSplit(task TaskSpec) (bool, Analysis) {
	analysis := Analyze(task)
	if task.FractalDepth >= MaxDepth {
		return false, analysis
	}
	if isTrivial(task.Description) {
		return false, analysis
	}
	return analysis.Oversized(), analysis
}

// Split produces child specs for an oversized task. Strategies are tried
// in order: one child per file, one child per concern layer, then three
// roughly equal item chunks. Children get a small priority boost so the
// siblings of a decomposed parent schedule promptly and together.
func Split(task TaskSpec, analysis Analysis) []ChildSpec {
	childPriority := task.PriorityScore + 1

	if analysis.ExceedsFiles() {
		children := make([]ChildSpec, 0, len(analysis.Files))
		for i, file := range analysis.Files {
			children = append(children, ChildSpec{
				ID:            childID(task.ID, i+1),
				Domain:        task.Domain,
				Description:   fmt.Sprintf("%s (file: %s)", task.Description, file),
				PriorityScore: childPriority,
				Metadata:      mergeMetadata(task.Metadata, map[string]string{"files": file}),
			})
		}
		return children
	}

	if analysis.ExceedsConcerns() {
		children := make([]ChildSpec, 0, len(analysis.Concerns))
		for i, concern := range analysis.Concerns {
			children = append(children, ChildSpec{
				ID:            childID(task.ID, i+1),
				Domain:        task.Domain,
				Description:   fmt.Sprintf("%s (%s layer only)", task.Description, concern),
				PriorityScore: childPriority,
				Metadata:      mergeMetadata(task.Metadata, map[string]string{"concern": concern}),
			})
		}
		return children
	}

	// Fallback: three roughly equal chunks of the item list, or of the
	// description itself when no item structure was found
	items := analysis.Items
	if len(items) == 0 {
		items = []string{task.Description}
	}
	chunks := chunkItems(items, 3)
	children := make([]ChildSpec, 0, len(chunks))
	for i, chunk := range chunks {
		children = append(children, ChildSpec{
			ID:            childID(task.ID, i+1),
			Domain:        task.Domain,
			Description:   strings.Join(chunk, "; "),
			PriorityScore: childPriority,
			Metadata:      mergeMetadata(task.Metadata, nil),
		})
	}
	return children
}

// childID builds hierarchical child ids: "t42" -> "t42.1", "t42.1" -> "t42.1.2"
func childID(parentID string, ordinal int) string {
	return fmt.Sprintf("%s.%d", parentID, ordinal)
}

func isTrivial(description string) bool {
	lower := strings.ToLower(description)
	for _, marker := range trivialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func splitFiles(raw string) []string {
	if raw == "" {
		return nil
	}
	var files []string
	for _, f := range strings.Split(raw, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

// estimateLoc is a coarse size heuristic over the description wording
func estimateLoc(description string) int {
	estimate := 50
	lower := strings.ToLower(description)

	estimate += 50 * strings.Count(lower, " and ")
	estimate += 50 * strings.Count(lower, " also ")
	if strings.Contains(lower, "refactor") || strings.Contains(lower, "restructure") {
		estimate += 100
	}
	if strings.Contains(lower, "implement") {
		estimate += 75
	}
	if strings.Contains(lower, "test") {
		estimate += 50
	}
	return estimate
}

// extractItems finds list structure: newline bullets first, else
// semicolon-separated clauses
func extractItems(description string) []string {
	var items []string
	lines := strings.Split(description, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") {
			item := strings.TrimSpace(strings.TrimLeft(trimmed, "-* "))
			if item != "" {
				items = append(items, item)
			}
		}
	}
	if len(items) > 0 {
		return items
	}

	for _, clause := range strings.Split(description, ";") {
		clause = strings.TrimSpace(clause)
		if clause != "" {
			items = append(items, clause)
		}
	}
	if len(items) > 1 {
		return items
	}
	return nil
}

func detectConcerns(description string) []string {
	lower := strings.ToLower(description)
	var concerns []string
	for _, layer := range []string{"data", "interface", "presentation", "test"} {
		for _, marker := range concernMarkers[layer] {
			if strings.Contains(lower, marker) {
				concerns = append(concerns, layer)
				break
			}
		}
	}
	return concerns
}

// chunkItems splits items into at most n roughly equal chunks
func chunkItems(items []string, n int) [][]string {
	if len(items) <= n {
		chunks := make([][]string, 0, len(items))
		for _, item := range items {
			chunks = append(chunks, []string{item})
		}
		return chunks
	}
	chunks := make([][]string, 0, n)
	size := (len(items) + n - 1) / n
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func mergeMetadata(parent, extra map[string]string) map[string]string {
	if len(parent) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(parent)+len(extra))
	for k, v := range parent {
		if k == "files" {
			continue // children get their own file scope
		}
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
