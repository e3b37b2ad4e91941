package types

// ContextKey identifies the work context a fitness record is scoped to.
// "generic" is the wildcard value for Technology and PhaseType.
type ContextKey struct {
	Role       string `json:"role"`
	Technology string `json:"technology"`
	PhaseType  string `json:"phase_type"`
}

// Generic is the wildcard context component
const Generic = "generic"

// TechFamily returns the technology family prefix used for similarity
// fallback, e.g. "angular_16" -> "angular"
func (c ContextKey) TechFamily() string {
	for i := 0; i < len(c.Technology); i++ {
		if c.Technology[i] == '_' {
			return c.Technology[:i]
		}
	}
	return c.Technology
}

// FitnessRecord holds per-(worker, context) win/loss counters and the
// derived fitness score. Rows are created lazily and never deleted; a
// retired worker keeps its history at a reduced weight.
type FitnessRecord struct {
	WorkerID string     `json:"worker_id"`
	Context  ContextKey `json:"context"`

	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	Runs          int     `json:"runs"`
	AvgIterations float64 `json:"avg_iterations"`

	WeightMultiplier float64 `json:"weight_multiplier"` // 1.0, clamped to 0.1 on soft retirement
	FitnessScore     float64 `json:"fitness_score"`
	Retired          bool    `json:"retired"`

	UpdatedAt int64 `json:"updated_at"`
}

// SelectionMode records how a worker was picked
type SelectionMode string

const (
	SelectionWarmup  SelectionMode = "warmup"
	SelectionFitness SelectionMode = "fitness"
)

// SelectionRecord is one row of the append-only selection audit log
type SelectionRecord struct {
	ID           int64         `json:"id"`
	TaskID       string        `json:"task_id"`
	WorkerID     string        `json:"worker_id"`
	Context      ContextKey    `json:"context"`
	Mode         SelectionMode `json:"mode"`
	SampledScore float64       `json:"sampled_score"`
	CreatedAt    int64         `json:"created_at"`
}

// LeaderboardEntry is a ranked fitness row with its badge
type LeaderboardEntry struct {
	FitnessRecord
	WorkerName string `json:"worker_name"`
	Badge      string `json:"badge"` // champion|rising|declining|retired|active
}

// Worker is an addressable executor: an agent/model pairing qualified for
// one or more roles
type Worker struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Provider string   `json:"provider" yaml:"provider"`
	Model    string   `json:"model" yaml:"model"`
	Roles    []string `json:"roles" yaml:"roles"`
}

// HasRole reports whether the worker is qualified for a role
func (w Worker) HasRole(role string) bool {
	for _, r := range w.Roles {
		if r == role {
			return true
		}
	}
	return false
}
