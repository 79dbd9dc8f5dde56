package engine

// Config assembles the pluggable pieces a Runner needs: the handler
// registry, optional interviewer/backend/transform overrides, and an
// optional event sink. All fields are optional; NewEngine fills in spec
// defaults for anything left zero.
type Config struct {
	HandlerRegistry *HandlerRegistry
	Interviewer     Interviewer
	CodergenBackend CodergenBackend
	Backend         CheckpointBackend
	Transforms      *TransformRegistry
	EventEmitter    *EventEmitter

	// LogsRoot is the directory new runs write status/checkpoint/final
	// documents under; a per-run subdirectory is created beneath it.
	LogsRoot string

	// WorkDir is the working directory tool-type node commands execute in.
	// Required only when the graph contains tool nodes or a
	// GitCheckpointBackend is configured.
	WorkDir string
}

func (c *Config) applyDefaults() {
	if c.HandlerRegistry == nil {
		c.HandlerRegistry = NewDefaultRegistry()
	}
	if c.Interviewer == nil {
		c.Interviewer = &AutoApproveInterviewer{}
	}
	if c.CodergenBackend == nil {
		c.CodergenBackend = &SimulatedCodergenBackend{}
	}
	if c.Backend == nil {
		c.Backend = FileCheckpointBackend{}
	}
	if c.Transforms == nil {
		c.Transforms = NewTransformRegistry()
	}
	if c.EventEmitter == nil {
		c.EventEmitter = NewEventEmitter(256)
	}
	if c.LogsRoot == "" {
		c.LogsRoot = defaultLogsRoot()
	}
}
