package config

import "time"

// OrchestratorConfig configures the reasoning pipeline that drives one
// conversational turn: Thinking, memory fetch, CIM policy, tool
// decisioning, and Output.
type OrchestratorConfig struct {
	// Persona is the system-prompt persona text prefixed ahead of all
	// other framing in the output layer's system prompt.
	Persona string `yaml:"persona"`

	// MemoryCharCap bounds how much fetched memory text is folded into the
	// output layer's context block. Defaults to 4000.
	MemoryCharCap int `yaml:"memory_char_cap"`

	// DeepReasoningComplexity is the sequential_complexity score at or
	// above which a turn is handed to the loop engine outright. Defaults
	// to 7.0.
	DeepReasoningComplexity float64 `yaml:"deep_reasoning_complexity"`

	// MinToolsForSequentialHandoff is the decided-tool-call count that,
	// combined with needs_sequential_thinking, also triggers a loop-engine
	// handoff below DeepReasoningComplexity. Defaults to 2.
	MinToolsForSequentialHandoff int `yaml:"min_tools_for_sequential_handoff"`

	// ThinkingModel and OutputModel select the model name passed to the
	// Thinking and Output layers' LLMProvider.Complete calls.
	ThinkingModel string `yaml:"thinking_model"`
	OutputModel   string `yaml:"output_model"`

	// DetectionRulesMode controls how much tool-safety detection-rules
	// text is injected into the thinking prompt: "off", "thin", or "full".
	// Defaults to "thin".
	DetectionRulesMode string `yaml:"detection_rules_mode"`

	Router LifecycleRouterConfig `yaml:"router"`
}

// LifecycleRouterConfig configures the blueprint semantic router.
type LifecycleRouterConfig struct {
	Enabled bool `yaml:"enabled"`

	// TopK bounds how many candidates the router's Searcher is asked to
	// return before graph-hygiene filtering. Defaults to 5.
	TopK int `yaml:"top_k"`

	// StrictThreshold, SuggestThreshold, PartialThreshold override the
	// router's similarity thresholds. Zero values fall back to the
	// package defaults (0.85 / 0.68 / 0.52).
	StrictThreshold  float64 `yaml:"strict_threshold"`
	SuggestThreshold float64 `yaml:"suggest_threshold"`
	PartialThreshold float64 `yaml:"partial_threshold"`
}

// GraphHygieneConfig configures the blueprint graph candidate pipeline and
// its periodic reconcile job.
type GraphHygieneConfig struct {
	// FailClosed controls whether a candidate set degrades to empty
	// (true) or passes through unfiltered (false) when the SQLite
	// crosscheck cannot run. Defaults to true.
	FailClosed *bool `yaml:"fail_closed"`

	Reconcile GraphHygieneReconcileConfig `yaml:"reconcile"`
}

// GraphHygieneReconcileConfig configures the `hygiene reconcile` maintenance
// job that compares the blueprint graph index against SQLite truth.
type GraphHygieneReconcileConfig struct {
	// Enabled allows a cron-scheduled reconcile run in addition to the
	// on-demand CLI invocation.
	Enabled bool `yaml:"enabled"`

	// TruthDBPath is the SQLite database holding the authoritative
	// blueprints table. Defaults to "<workspace>/data/commander.db".
	TruthDBPath string `yaml:"truth_db_path"`

	// GraphDBPath is the SQLite database holding graph_nodes/embeddings.
	// Defaults to "<workspace>/data/memory.db".
	GraphDBPath string `yaml:"graph_db_path"`

	// Schedule is a cron expression for the periodic reconcile run, used
	// only when Enabled is true.
	Schedule string `yaml:"schedule"`

	// ApplyOnSchedule controls whether the scheduled run deletes stale
	// nodes (true) or only reports them (false, the safe default).
	ApplyOnSchedule bool `yaml:"apply_on_schedule"`
}

// LifecycleStoreConfig configures the conversational task-lifecycle store
// (separate from TasksConfig's cron scheduler).
type LifecycleStoreConfig struct {
	// DBPath is the SQLite database file backing SQLiteLifecycleStore.
	DBPath string `yaml:"db_path"`

	// NotifyTimeout bounds how long a single NotifyTurn call may block.
	// Defaults to 5 seconds.
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}
