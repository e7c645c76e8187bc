package valves

// Categories returns the valve categories in display order.
func Categories() []Category {
	return []Category{
		{Name: "general", Title: "General", Description: "Core gateway behavior", Icon: "settings", Order: 1},
		{Name: "routing", Title: "Routing", Description: "Agent selection and scoring", Icon: "route", Order: 2},
		{Name: "agent", Title: "Agent Runtime", Description: "Tool-use loop budgets", Icon: "cpu", Order: 3},
		{Name: "shadow", Title: "Shadow Observer", Description: "Background conversation analysis", Icon: "eye", Order: 4},
		{Name: "backend", Title: "Knowledge Backend", Description: "Downstream service connection", Icon: "database", Order: 5},
		{Name: "logging", Title: "Logging & Diagnostics", Description: "Log retention and admin surfaces", Icon: "file-text", Order: 6},
		{Name: "server", Title: "Server", Description: "HTTP surface and port handling", Icon: "server", Order: 7},
	}
}

// Catalog returns the full valve declarations. Defaults here are the running
// values until the persisted file or an admin update overrides them.
func Catalog() []*Valve {
	return []*Valve{
		// general
		{
			Name: "debug_mode", Type: TypeBool, Default: false,
			Title: "Debug Mode", Description: "Verbose logging and extra diagnostics fields.",
			Category: "general",
		},
		{
			Name: "pipeline_name", Type: TypeString, Default: "Relay Orchestrator",
			Title: "Pipeline Name", Description: "Display name reported in the manifest and model listing.",
			Category: "general",
		},

		// routing
		{
			Name: "routing_confidence_threshold", Type: TypeFloat, Default: 0.3,
			Min: ptr(0), Max: ptr(1.0),
			Title: "Routing Confidence Threshold", Description: "Below this confidence the rationale notes a weak match.",
			Category: "routing",
		},
		{
			Name: "default_agent", Type: TypeEnum, Default: "personal_assistant",
			EnumOptions: []string{"personal_assistant"},
			Title:       "Default Agent", Description: "Agent used when no routing pattern matches.",
			Category: "routing", Advanced: true,
		},

		// agent
		{
			Name: "agent_max_iterations", Type: TypeInt, Default: 6,
			Min: ptr(1), Max: ptr(25),
			Title: "Max Iterations", Description: "Upper bound on LLM calls per turn.",
			Category: "agent",
		},
		{
			Name: "agent_max_wall_time_seconds", Type: TypeInt, Default: 120,
			Min: ptr(5), Max: ptr(600),
			Title: "Max Wall Time (s)", Description: "Deadline for one agent run.",
			Category: "agent",
		},
		{
			Name: "max_concurrent_tools", Type: TypeInt, Default: 4,
			Min: ptr(1), Max: ptr(16),
			Title: "Max Concurrent Tools", Description: "Parallel tool calls within one loop iteration.",
			Category: "agent", Advanced: true,
		},

		// shadow
		{
			Name: "shadow_enabled", Type: TypeBool, Default: true,
			Title: "Shadow Observer", Description: "Mine completed turns for durable facts in the background.",
			Category: "shadow",
		},
		{
			Name: "shadow_timeout_seconds", Type: TypeInt, Default: 30,
			Min: ptr(1), Max: ptr(300),
			Title: "Shadow Timeout (s)", Description: "Deadline for one observer task.",
			Category: "shadow", DependsOn: "shadow_enabled",
		},
		{
			Name: "shadow_max_concurrent", Type: TypeInt, Default: 3,
			Min: ptr(1), Max: ptr(32),
			Title: "Shadow Concurrency", Description: "Observer tasks allowed in flight; excess turns are dropped.",
			Category: "shadow", DependsOn: "shadow_enabled", Advanced: true,
		},

		// backend
		{
			Name: "backend_timeout_seconds", Type: TypeInt, Default: 30,
			Min: ptr(1), Max: ptr(300),
			Title: "Backend Timeout (s)", Description: "Per-operation timeout for knowledge backend calls.",
			Category: "backend",
		},

		// logging
		{
			Name: "log_level", Type: TypeEnum, Default: "info",
			EnumOptions: []string{"debug", "info", "warn", "error"},
			Title:       "Log Level", Description: "Minimum level written to stdout and the ring buffer.",
			Category: "logging",
		},
		{
			Name: "log_buffer_size", Type: TypeInt, Default: 2000,
			Min: ptr(100), Max: ptr(50000),
			Title: "Log Buffer Size", Description: "Records retained in the in-memory ring buffer.",
			Category: "logging", RestartRequired: true, Advanced: true,
		},
		{
			Name: "log_retention_minutes", Type: TypeInt, Default: 60,
			Min: ptr(1), Max: ptr(1440),
			Title: "Log Retention (min)", Description: "Window the log and diagnostics endpoints project.",
			Category: "logging",
		},
		{
			Name: "log_max_lines", Type: TypeInt, Default: 500,
			Min: ptr(10), Max: ptr(10000),
			Title: "Log Max Lines", Description: "Upper bound on lines returned by the logs endpoint.",
			Category: "logging",
		},
		{
			Name: "expose_logs_ui", Type: TypeBool, Default: false,
			Title: "Expose Logs", Description: "Allow raw error detail on the logs and diagnostics endpoints.",
			Category: "logging",
		},
		{
			Name: "log_file_path", Type: TypePath, Default: "",
			Title: "Log File", Description: "Optional file to mirror log output into.",
			Category: "logging", Advanced: true, RestartRequired: true,
		},

		// server
		{
			Name: "port_recovery", Type: TypeBool, Default: false,
			Title: "Port Recovery", Description: "On bind failure, attempt to terminate a previous instance holding the port.",
			Category: "server", Advanced: true,
		},
		{
			Name: "port_recovery_attempts", Type: TypeInt, Default: 3,
			Min: ptr(1), Max: ptr(10),
			Title: "Port Recovery Attempts", Description: "Bind retries before giving up.",
			Category: "server", Advanced: true, DependsOn: "port_recovery",
		},
	}
}
