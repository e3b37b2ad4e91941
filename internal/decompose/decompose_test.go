package decompose

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeCountsFilesFromMetadata(t *testing.T) {
	task := TaskSpec{
		Description: "fix logging",
		Metadata:    map[string]string{"files": "a.go, b.go, c.go"},
	}
	analysis := Analyze(task)
	assert.Len(t, analysis.Files, 3)
	assert.False(t, analysis.ExceedsFiles())
}

func TestAnalyzeLocHeuristic(t *testing.T) {
	small := Analyze(TaskSpec{Description: "fix the off-by-one"})
	assert.Equal(t, 50, small.LocEst)

	big := Analyze(TaskSpec{Description: "refactor the parser and implement streaming and add tests"})
	// 50 base + 100 refactor + 75 implement + 50 test + 2x50 "and"
	assert.Equal(t, 375, big.LocEst)
}

func TestAnalyzeItemsFromBullets(t *testing.T) {
	desc := "add endpoints:\n- list users\n- get user\n- delete user"
	analysis := Analyze(TaskSpec{Description: desc})
	assert.Len(t, analysis.Items, 3)
}

func TestAnalyzeConcernLayers(t *testing.T) {
	desc := "add the schema migration, expose a grpc endpoint, build the frontend component, and cover with e2e tests"
	analysis := Analyze(TaskSpec{Description: desc})
	assert.ElementsMatch(t, []string{"data", "interface", "presentation", "test"}, analysis.Concerns)
	assert.True(t, analysis.ExceedsConcerns())
}

func TestShouldSplitTrivialNever(t *testing.T) {
	// oversized by file count, but trivially simple work
	task := TaskSpec{
		Description: "fix typo in error message",
		Metadata:    map[string]string{"files": "a.go,b.go,c.go,d.go,e.go,f.go"},
	}
	ok, _ := ShouldSplit(task)
	assert.False(t, ok)
}

func TestShouldSplitDepthCeiling(t *testing.T) {
	task := TaskSpec{
		Description:  "refactor everything and implement the rest and also add tests and migrations",
		FractalDepth: MaxDepth,
		Metadata:     map[string]string{"files": "a,b,c,d,e,f,g"},
	}
	ok, analysis := ShouldSplit(task)
	assert.False(t, ok)
	assert.True(t, analysis.Oversized()) // still oversized, ceiling wins
}

func TestShouldSplitWithinLimits(t *testing.T) {
	ok, analysis := ShouldSplit(TaskSpec{Description: "adjust retry backoff"})
	assert.False(t, ok)
	assert.Equal(t, "within limits", analysis.Reason())
}

func TestSplitPerFile(t *testing.T) {
	files := make([]string, 12)
	for i := range files {
		files[i] = fmt.Sprintf("internal/api/handler_%d.go", i)
	}
	task := TaskSpec{
		ID:            "t42",
		Domain:        "backend",
		Description:   "apply the new error wrapping convention",
		PriorityScore: 5,
		Metadata:      map[string]string{"files": strings.Join(files, ",")},
	}
	ok, analysis := ShouldSplit(task)
	require.True(t, ok)
	require.True(t, analysis.ExceedsFiles())

	children := Split(task, analysis)
	require.Len(t, children, 12)
	for i, child := range children {
		assert.Equal(t, fmt.Sprintf("t42.%d", i+1), child.ID)
		assert.Equal(t, "backend", child.Domain)
		assert.Equal(t, files[i], child.Metadata["files"])
		assert.Contains(t, child.Description, files[i])
		// boosted so siblings schedule together
		assert.Greater(t, child.PriorityScore, task.PriorityScore)
	}
}

func TestSplitPerConcern(t *testing.T) {
	task := TaskSpec{
		ID:          "t7",
		Description: "add the user schema migration, an api endpoint, the frontend page, and regression tests",
	}
	ok, analysis := ShouldSplit(task)
	require.True(t, ok)
	require.False(t, analysis.ExceedsFiles())
	require.True(t, analysis.ExceedsConcerns())

	children := Split(task, analysis)
	require.Len(t, children, 4)
	seen := map[string]bool{}
	for _, child := range children {
		seen[child.Metadata["concern"]] = true
	}
	assert.Len(t, seen, 4)
}

func TestSplitItemChunks(t *testing.T) {
	var b strings.Builder
	b.WriteString("migrate the handlers:\n")
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "- handler %d\n", i)
	}
	task := TaskSpec{ID: "t9", Description: b.String()}
	ok, analysis := ShouldSplit(task)
	require.True(t, ok)
	require.True(t, analysis.ExceedsItems())
	require.False(t, analysis.ExceedsFiles())
	require.False(t, analysis.ExceedsConcerns())

	children := Split(task, analysis)
	require.Len(t, children, 3)
	total := 0
	for _, child := range children {
		total += strings.Count(child.Description, "handler")
	}
	assert.Equal(t, 12, total)
}

func TestSplitFallbackSingleDescription(t *testing.T) {
	// oversized by LOC alone, no list structure to chunk
	task := TaskSpec{ID: "t1", Description: "refactor the scheduler and implement admission control and also restructure the retry tests"}
	ok, analysis := ShouldSplit(task)
	require.True(t, ok)
	require.True(t, analysis.ExceedsLoc())

	children := Split(task, analysis)
	require.Len(t, children, 1)
	assert.Equal(t, "t1.1", children[0].ID)
}

func TestChildIDNesting(t *testing.T) {
	assert.Equal(t, "t42.1", childID("t42", 1))
	assert.Equal(t, "t42.1.3", childID("t42.1", 3))
}

func TestReasonNamesThresholds(t *testing.T) {
	analysis := Analysis{LocEst: 800}
	assert.Equal(t, "loc=800", analysis.Reason())
}
