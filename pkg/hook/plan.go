package hook

// Plan describes which hook commands a run should execute.
type Plan struct {
	Enabled bool

	PreRunCommands  []string
	PostRunCommands []string

	DryRun bool
}
