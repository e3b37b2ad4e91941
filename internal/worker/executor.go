package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// DecompositionRequest is the structured way an executor asks for a task
// to be split instead of executed. The scheduler validates it against the
// decomposer's thresholds; it is never parsed out of free-text output.
type DecompositionRequest struct {
	Reason   string
	Children []ChildInput
}

// ChildInput is one proposed sub-task inside a DecompositionRequest
type ChildInput struct {
	Description string
	Metadata    map[string]string
}

// Result is the outcome of one execution attempt
type Result struct {
	Success     bool
	ArtifactRef string
	Output      string
	Err         error
	Iterations  int
	DurationMs  int64

	// Phases the executor finished before returning, in order
	CompletedPhases []string

	// Non-nil when the executor wants the task split instead of run
	Decompose *DecompositionRequest
}

// Executor runs a task on a selected worker. Implementations are opaque
// to the scheduler: a remote agent call, a subprocess, or a test stub.
type Executor interface {
	Execute(ctx context.Context, task *types.Task, w types.Worker) *Result
}

// CommandExecutor shells out to an agent CLI, one process per task.
// The worker's provider field names the binary; the task description is
// passed as the prompt.
type CommandExecutor struct {
	binPath string
	timeout time.Duration
	verbose bool
}

// NewCommandExecutor creates a CommandExecutor for the given binary
func NewCommandExecutor(binPath string, timeout time.Duration) *CommandExecutor {
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &CommandExecutor{binPath: binPath, timeout: timeout}
}

// SetVerbose enables streaming of agent output to the parent terminal
func (e *CommandExecutor) SetVerbose(v bool) {
	e.verbose = v
}

// Execute runs the agent process for the task. The context bounds the
// whole call; on timeout the process is killed and the result carries
// the deadline error.
func (e *CommandExecutor) Execute(ctx context.Context, task *types.Task, w types.Worker) *Result {
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanAgentExecute,
		attribute.String(telemetry.KeyTaskID, task.ID),
		attribute.String(telemetry.KeyWorkerID, w.ID),
		attribute.String(telemetry.KeyWorkerModel, w.Model))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prompt := e.buildPrompt(task, w)
	output, err := e.run(ctx, prompt)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryExecutor)
	}

	return &Result{
		Success:    err == nil,
		Output:     output,
		Err:        err,
		Iterations: 1,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func (e *CommandExecutor) buildPrompt(task *types.Task, w types.Worker) string {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Task: %s\n", task.Description)
	if task.Domain != "" {
		fmt.Fprintf(&prompt, "Domain: %s\n", task.Domain)
	}
	if w.Model != "" {
		fmt.Fprintf(&prompt, "Model: %s\n", w.Model)
	}
	if done := task.CompletedPhases(); len(done) > 0 {
		prompt.WriteString("Already completed phases (do not redo):\n")
		for _, p := range done {
			fmt.Fprintf(&prompt, "  - %s\n", p)
		}
	}
	prompt.WriteString("\nComplete this task fully before exiting.")
	return prompt.String()
}

func (e *CommandExecutor) run(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, e.binPath, "-p", prompt)
	cmd.Env = os.Environ()
	// lets the agent tag its own telemetry with the scheduler's trace
	if traceID := telemetry.GetTraceID(ctx); traceID != "" {
		cmd.Env = append(cmd.Env, "FOREMAN_TRACE_ID="+traceID)
	}

	var outBuf, errBuf strings.Builder
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %s: %w", e.binPath, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if e.verbose {
			io.Copy(io.MultiWriter(os.Stdout, &outBuf), stdout)
		} else {
			io.Copy(&outBuf, stdout)
		}
	}()
	go func() {
		defer wg.Done()
		if e.verbose {
			io.Copy(io.MultiWriter(os.Stderr, &errBuf), stderr)
		} else {
			io.Copy(&errBuf, stderr)
		}
	}()
	wg.Wait()
	err = cmd.Wait()

	return outBuf.String() + errBuf.String(), err
}
