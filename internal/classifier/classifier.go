// Package classifier maps an incoming request onto a model tier and decides
// whether it warrants spawning an autonomous background codex session.
package classifier

import "strings"

// Tier is the model tier a task is routed to.
type Tier string

const (
	TierFast    Tier = "fast"
	TierVoice   Tier = "voice"
	TierCode    Tier = "code"
	TierAgentic Tier = "agentic"
)

// Task describes the inputs the classifier rules inspect. Zero value is a
// plain user-facing chat turn with no tool and no known operation kind.
type Task struct {
	ToolName        string
	OperationKind   string
	IsUserFacing    bool
	IsLongRunning   bool
	EstimatedTokens int64
	FileCount       int
	TierOverride    Tier
}

// Config holds the classifier's tunable thresholds, exposed so operators can
// retune without a code change.
type Config struct {
	CodeTokenThreshold int64
	CodeFileThreshold  int

	CodexTokenThreshold int64
	CodexFileThreshold  int
	CodexMinConfidence  float64
}

// DefaultConfig mirrors the thresholds observed in the reference router.
func DefaultConfig() Config {
	return Config{
		CodeTokenThreshold:  50_000,
		CodeFileThreshold:   3,
		CodexTokenThreshold: 100_000,
		CodexFileThreshold:  5,
		CodexMinConfidence:  0.7,
	}
}

// Tools that always route to the fast tier: cheap, read-only exploration.
var fastTools = []string{
	"list_project_files",
	"list_files",
	"get_file_summary",
	"get_file_structure",
	"search_codebase",
	"grep_files",
	"count_lines",
	"extract_symbols",
	"summarize_file",
}

// Tools that route to the voice tier: a single read or a small edit.
var voiceTools = []string{
	"read_project_file",
	"read_file",
	"edit_project_file",
	"write_project_file",
	"write_file",
}

// Operation kinds that require the code tier: complex, code-focused reasoning.
var codeOperations = []string{
	"architecture",
	"refactor",
	"refactor_multi_file",
	"debug_complex",
	"design_pattern",
	"impact_analysis",
	"code_review",
	"security_audit",
	"code_generation",
	"test_generation",
	"implement_feature",
	"fix_bug",
}

// Operation kinds that always require the agentic tier: long-running
// autonomous work.
var agenticOperations = []string{
	"full_implementation",
	"migration",
	"large_refactor",
	"codebase_modernization",
}

// Classify maps task onto a model tier. Rule order is significant: the first
// matching rule wins.
func Classify(cfg Config, task Task) Tier {
	if task.TierOverride != "" {
		return task.TierOverride
	}

	if task.IsLongRunning {
		return TierAgentic
	}

	if task.OperationKind != "" && containsAny(agenticOperations, task.OperationKind) {
		return TierAgentic
	}

	if task.IsUserFacing && task.ToolName == "" {
		return TierVoice
	}

	if task.ToolName != "" {
		if containsAny(fastTools, task.ToolName) {
			return TierFast
		}
		if containsAny(voiceTools, task.ToolName) {
			if task.EstimatedTokens > cfg.CodeTokenThreshold {
				return TierCode
			}
			return TierVoice
		}
	}

	if task.OperationKind != "" && containsAny(codeOperations, task.OperationKind) {
		return TierCode
	}

	if task.EstimatedTokens > cfg.CodeTokenThreshold {
		return TierCode
	}
	if task.FileCount > cfg.CodeFileThreshold {
		return TierCode
	}

	return TierVoice
}

// SpawnTriggerKind distinguishes why a codex session was proposed.
type SpawnTriggerKind string

const (
	TriggerRouterDetection SpawnTriggerKind = "router_detection"
	TriggerUserRequest     SpawnTriggerKind = "user_request"
	TriggerComplexTask     SpawnTriggerKind = "complex_task"
)

// SpawnTrigger is the reason should_spawn_codex proposed spawning a codex
// session, carrying whatever evidence backs that reason.
type SpawnTrigger struct {
	Kind             SpawnTriggerKind
	Confidence       float64
	DetectedPatterns []string
	EstimatedTokens  int64
	FileCount        int
	OperationKind    string
}

// opt-out phrases short-circuit spawn detection: the user asked for direct
// execution, not delegation.
var optOutPhrases = []string{
	"do not delegate",
	"don't delegate",
	"call the tool directly",
	"execute directly",
	"immediately use the",
	"immediately call",
}

// high-signal verbs in the user's message that suggest code-heavy,
// delegable work.
var codexMessagePatterns = []string{
	"implement",
	"refactor",
	"fix bug",
	"fix the bug",
	"add feature",
	"create a",
	"build a",
	"write code",
	"write tests",
	"add tests",
	"migrate",
	"update all",
	"change all",
	"rename",
	"convert",
}

// ShouldSpawnCodex decides whether task (drawn from the same user turn as
// message) warrants an autonomous background session. It returns nil when
// the turn should stay in the foreground loop.
func ShouldSpawnCodex(cfg Config, task Task, message string) *SpawnTrigger {
	lower := strings.ToLower(message)
	for _, phrase := range optOutPhrases {
		if strings.Contains(lower, phrase) {
			return nil
		}
	}

	if task.OperationKind != "" && containsAny(agenticOperations, task.OperationKind) {
		return &SpawnTrigger{
			Kind:            TriggerComplexTask,
			EstimatedTokens: task.EstimatedTokens,
			FileCount:       task.FileCount,
			OperationKind:   task.OperationKind,
		}
	}

	if task.IsLongRunning {
		return &SpawnTrigger{
			Kind:            TriggerComplexTask,
			EstimatedTokens: task.EstimatedTokens,
			FileCount:       task.FileCount,
			OperationKind:   task.OperationKind,
		}
	}

	if task.OperationKind != "" && containsAny(codeOperations, task.OperationKind) {
		if task.EstimatedTokens > cfg.CodexTokenThreshold || task.FileCount >= cfg.CodexFileThreshold {
			return &SpawnTrigger{
				Kind:            TriggerComplexTask,
				EstimatedTokens: task.EstimatedTokens,
				FileCount:       task.FileCount,
				OperationKind:   task.OperationKind,
			}
		}
	}

	var detected []string
	for _, pattern := range codexMessagePatterns {
		if strings.Contains(lower, pattern) {
			detected = append(detected, pattern)
		}
	}
	if len(detected) == 0 {
		return nil
	}

	confidence := 0.5 + float64(len(detected))*0.1
	if task.EstimatedTokens > cfg.CodeTokenThreshold {
		confidence += 0.15
	}
	if task.FileCount > cfg.CodeFileThreshold {
		confidence += 0.1
	}
	if strings.Contains(lower, "implement") || strings.Contains(lower, "refactor") {
		confidence += 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	if confidence >= cfg.CodexMinConfidence {
		return &SpawnTrigger{
			Kind:             TriggerRouterDetection,
			Confidence:       confidence,
			DetectedPatterns: detected,
		}
	}
	return nil
}

func containsAny(set []string, needle string) bool {
	for _, s := range set {
		if strings.Contains(needle, s) {
			return true
		}
	}
	return false
}
