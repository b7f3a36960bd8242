// Package iderrors defines the detection pipeline's error taxonomy (spec §7).
// Callers distinguish kinds with errors.Is against the sentinel values below;
// wrapped context is added with fmt.Errorf("%w", ...) at each call site, the
// same idiom the rest of this module uses (see internal/config, internal/audit).
package iderrors

import "errors"

// Sentinel errors identifying the four error kinds from spec §7. Use
// errors.Is(err, iderrors.BackendUnavailable) etc. to classify a wrapped
// error returned by the state store, stream bus, rule loader, or detection
// engine.
var (
	// BackendUnavailable means the state store or stream bus could not be
	// reached within its deadline.
	BackendUnavailable = errors.New("iderrors: backend unavailable")

	// RuleLoadError means a single rule document failed to parse or failed
	// schema validation at load time.
	RuleLoadError = errors.New("iderrors: rule load error")

	// ParseError means the upstream line parser failed; the core never sees
	// an event for the failed line. Defined here for completeness of the
	// error taxonomy even though the parser itself is out of core scope.
	ParseError = errors.New("iderrors: parse error")

	// EvaluationError means a single rule's regex or dedup-key template
	// substitution failed while evaluating one event.
	EvaluationError = errors.New("iderrors: evaluation error")
)
