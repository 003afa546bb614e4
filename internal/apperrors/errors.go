// Package apperrors defines the error taxonomy that crosses every package
// boundary in the change-review pipeline. Mid-layer code returns one of
// these sentinels (wrapped with context via fmt.Errorf's %w or pkg/errors),
// and the API layer is the only place that maps a taxon to a transport code.
package apperrors

import "errors"

// Sentinel errors for the pipeline's error taxonomy. Match with errors.Is.
var (
	// ErrInvalidInput covers shape, length, traversal, and unknown-field
	// failures surfaced before any stateful check runs.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAgentInactive is returned when an agent exists but is not active.
	ErrAgentInactive = errors.New("agent inactive")

	// ErrAgentUnknown is returned when no agent record matches the identity.
	ErrAgentUnknown = errors.New("agent unknown")

	// ErrForbidden is returned when agent policy denies (agent, path).
	ErrForbidden = errors.New("forbidden")

	// ErrLocked is returned when the lock registry denies a path.
	ErrLocked = errors.New("locked")

	// ErrRateLimited is returned when the rate limiter denies a request.
	ErrRateLimited = errors.New("rate limited")

	// ErrPluginRejected is returned when the plugin pipeline fails a stage.
	ErrPluginRejected = errors.New("plugin rejected")

	// ErrDrifted is returned when production content moved since submit,
	// or a stored diff no longer applies cleanly.
	ErrDrifted = errors.New("drifted")

	// ErrInvalidTransition is returned for any change-status transition
	// outside pending->approved or pending->rejected.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorageError wraps underlying Store I/O failures.
	ErrStorageError = errors.New("storage error")

	// ErrFilesystemError wraps underlying sandbox/production I/O failures.
	ErrFilesystemError = errors.New("filesystem error")

	// ErrPatchFailed is returned when a unified diff does not apply cleanly.
	ErrPatchFailed = errors.New("patch failed")

	// ErrAlreadyLocked is returned when creating a lock whose path already
	// has an exact-path lock.
	ErrAlreadyLocked = errors.New("already locked")

	// ErrConflict names a unique-constraint violation. A duplicate lock path
	// is reported as ErrAlreadyLocked and agent registration is an upsert,
	// so neither of those returns ErrConflict.
	ErrConflict = errors.New("conflict")

	// ErrInternal covers anything that doesn't fit another taxon.
	ErrInternal = errors.New("internal error")

	// ErrTimeout is returned when a plugin-pipeline stage run does not
	// finish within its configured bound or before the submit/approve
	// deadline expires.
	ErrTimeout = errors.New("timeout")
)

// PluginFailure records one failed plugin's contribution to an
// ErrPluginRejected taxon.
type PluginFailure struct {
	PluginID string
	Message  string
}

// DriftDetails records the fingerprints that diverged, or the patch
// failure reason, for an ErrDrifted taxon.
type DriftDetails struct {
	Path           string
	ExpectedHash   string
	ActualHash     string
	PatchApplyFail bool
}

// TaxonError decorates a sentinel taxon with structured, caller-useful
// detail without losing errors.Is compatibility with the sentinel.
type TaxonError struct {
	Taxon    error
	Message  string
	Failures []PluginFailure
	Warnings []string
	Drift    *DriftDetails
}

func (e *TaxonError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Taxon.Error()
}

// Unwrap allows errors.Is(err, apperrors.ErrX) to see through TaxonError.
func (e *TaxonError) Unwrap() error {
	return e.Taxon
}

// Details returns the structured payload carried by this error, if any.
func (e *TaxonError) Details() any {
	if e.Failures != nil {
		return e.Failures
	}
	if e.Drift != nil {
		return e.Drift
	}
	return nil
}

// New wraps a taxon sentinel with a human-readable message.
func New(taxon error, message string) *TaxonError {
	return &TaxonError{Taxon: taxon, Message: message}
}

// PluginRejected builds an ErrPluginRejected TaxonError from collected
// per-plugin failures and warnings.
func PluginRejected(failures []PluginFailure, warnings []string) *TaxonError {
	return &TaxonError{
		Taxon:    ErrPluginRejected,
		Message:  "plugin pipeline rejected the change",
		Failures: failures,
		Warnings: warnings,
	}
}

// Drifted builds an ErrDrifted TaxonError describing the divergence.
func Drifted(d DriftDetails) *TaxonError {
	return &TaxonError{
		Taxon:   ErrDrifted,
		Message: "production content drifted since submission",
		Drift:   &d,
	}
}
