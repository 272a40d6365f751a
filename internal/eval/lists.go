package eval

// AllowList names packages presumed to pass without execution. Their result
// is set to passed before any worker starts, so their reverse-dependents are
// released immediately. The list is part of the build on purpose: changing
// it should be a reviewed change, not a runtime knob.
var AllowList = map[string]bool{
	// Exercised continuously by the runtime's own CI:
	"Compat":        true,
	"Documenter":    true,
	"BinaryBuilder": true,
}

// DenyList names packages never to execute. Without a per-package timeout
// these would hang a worker slot for the rest of the run.
var DenyList = map[string]bool{
	// Waits for a GPU which the sandbox does not provide:
	"GPUBench": true,
	// Opens an interactive prompt during its test suite:
	"TerminalMenus": true,
}
