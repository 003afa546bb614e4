// Package changes implements the Change manager (spec §4.8): the
// submit/approve/reject/list state machine that is the heart of the
// review pipeline, including two-phase sandbox->production commit.
package changes

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/voidsync/voidsync/internal/agents"
	"github.com/voidsync/voidsync/internal/apperrors"
	"github.com/voidsync/voidsync/internal/diffengine"
	"github.com/voidsync/voidsync/internal/eventbus"
	"github.com/voidsync/voidsync/internal/fingerprint"
	"github.com/voidsync/voidsync/internal/locks"
	"github.com/voidsync/voidsync/internal/metrics"
	"github.com/voidsync/voidsync/internal/plugins"
	"github.com/voidsync/voidsync/internal/ratelimit"
	"github.com/voidsync/voidsync/internal/sandbox"
	"github.com/voidsync/voidsync/internal/store"
)

const maxPathLength = 500

// Limits bounds how long Submit/Approve and a single plugin-pipeline stage
// run may take, and how large a proposed file may be. A zero value in any field
// disables that particular bound.
type Limits struct {
	SubmitTimeout  time.Duration
	ApproveTimeout time.Duration
	PluginTimeout  time.Duration
	MaxFileSize    int64
}

// Manager is the only writer of Changes (spec §3 ownership rule).
type Manager struct {
	store        store.Store
	agents       *agents.Registry
	limiter      *ratelimit.Limiter
	locks        *locks.Registry
	pipeline     *plugins.Pipeline
	fingerprints *fingerprint.Fingerprinter
	diffs        *diffengine.Engine
	tree         *sandbox.Tree
	bus          *eventbus.Bus
	logger       *log.Logger
	metrics      *metrics.Registry
	limits       Limits

	pathMu sync.Map // normalized path -> *sync.Mutex
}

// New constructs a Manager wiring together every subsystem it depends on.
// metricsRegistry may be nil, in which case change-lifecycle events are not
// recorded anywhere.
func New(
	st store.Store,
	agentRegistry *agents.Registry,
	limiter *ratelimit.Limiter,
	lockRegistry *locks.Registry,
	pipeline *plugins.Pipeline,
	fingerprinter *fingerprint.Fingerprinter,
	diffEngine *diffengine.Engine,
	tree *sandbox.Tree,
	bus *eventbus.Bus,
	logger *log.Logger,
	metricsRegistry *metrics.Registry,
	limits Limits,
) *Manager {
	return &Manager{
		store:        st,
		agents:       agentRegistry,
		limiter:      limiter,
		locks:        lockRegistry,
		pipeline:     pipeline,
		fingerprints: fingerprinter,
		diffs:        diffEngine,
		tree:         tree,
		bus:          bus,
		logger:       logger,
		metrics:      metricsRegistry,
		limits:       limits,
	}
}

func (m *Manager) recordEvent(event string) {
	if m.metrics != nil {
		m.metrics.RecordChangeEvent(event)
	}
}

// runPipeline executes a pipeline stage bounded by Limits.PluginTimeout. A
// plugin that blocks past the deadline fails the stage with ErrTimeout
// rather than hanging Submit/Approve indefinitely.
func (m *Manager) runPipeline(ctx context.Context, stage plugins.Stage, pctx plugins.Context) (plugins.Outcome, error) {
	if m.limits.PluginTimeout <= 0 {
		return m.pipeline.Run(stage, pctx), nil
	}

	boundedCtx, cancel := context.WithTimeout(ctx, m.limits.PluginTimeout)
	defer cancel()

	done := make(chan plugins.Outcome, 1)
	go func() { done <- m.pipeline.Run(stage, pctx) }()

	select {
	case outcome := <-done:
		return outcome, nil
	case <-boundedCtx.Done():
		return plugins.Outcome{}, apperrors.New(apperrors.ErrTimeout, "changes: plugin pipeline exceeded timeout budget")
	}
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func (m *Manager) pathLock(path string) *sync.Mutex {
	v, _ := m.pathMu.LoadOrStore(path, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Submit runs the ordered precondition chain from spec §4.8 and, on
// success, stores a pending Change.
func (m *Manager) Submit(ctx context.Context, agentIdentity, path, newContent string) (int64, error) {
	if m.limits.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.limits.SubmitTimeout)
		defer cancel()
	}

	normalized, err := locks.NormalizePath(path)
	if err != nil || len(path) > maxPathLength {
		return 0, apperrors.New(apperrors.ErrInvalidInput, "changes: invalid path")
	}

	if m.limits.MaxFileSize > 0 && int64(len(newContent)) > m.limits.MaxFileSize {
		return 0, apperrors.New(apperrors.ErrInvalidInput, "changes: content exceeds max file size")
	}

	agent, err := m.agents.ByIdentity(ctx, agentIdentity)
	if err != nil {
		return 0, errors.Wrap(err, "changes: submit")
	}
	if agent == nil {
		return 0, apperrors.New(apperrors.ErrAgentUnknown, "changes: unknown agent "+agentIdentity)
	}
	if agent.Status != store.AgentActive {
		if m.logger != nil {
			m.logger.Warn("submit rejected: agent inactive", "agent", agentIdentity, "path", normalized)
		}
		return 0, apperrors.New(apperrors.ErrAgentInactive, "changes: agent is not active")
	}

	if agent.Metadata.MaxChangesPerDay > 0 {
		today, err := m.store.ListChanges(ctx, store.ChangeFilter{
			AgentIdentity: agentIdentity,
			After:         startOfDay(time.Now()),
		})
		if err != nil {
			return 0, errors.Wrap(err, "changes: submit")
		}
		if len(today) >= agent.Metadata.MaxChangesPerDay {
			if m.logger != nil {
				m.logger.Warn("submit rejected: daily change cap reached", "agent", agentIdentity, "path", normalized, "cap", agent.Metadata.MaxChangesPerDay)
			}
			return 0, apperrors.New(apperrors.ErrRateLimited, "changes: daily change cap reached")
		}
	}

	limited, err := m.limiter.Admit(ctx, agentIdentity)
	if err != nil {
		return 0, errors.Wrap(err, "changes: submit")
	}
	if limited {
		if m.logger != nil {
			m.logger.Warn("submit rejected: rate limited", "agent", agentIdentity, "path", normalized)
		}
		return 0, apperrors.New(apperrors.ErrRateLimited, "changes: agent is rate-limited")
	}

	if !m.agents.CanEdit(agent, normalized) {
		if m.logger != nil {
			m.logger.Warn("submit rejected: forbidden by policy", "agent", agentIdentity, "path", normalized)
		}
		return 0, apperrors.New(apperrors.ErrForbidden, "changes: agent policy forbids this path")
	}

	if lock, locked := m.locks.Check(normalized, newContent); locked {
		if m.logger != nil {
			m.logger.Warn("submit rejected: locked", "agent", agentIdentity, "path", normalized, "lock", lock.ID)
		}
		return 0, apperrors.New(apperrors.ErrLocked, "changes: path is locked")
	}

	original, _, err := m.tree.ReadProduction(normalized)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrFilesystemError, err.Error())
	}

	outcome, err := m.runPipeline(ctx, plugins.StagePreSync, plugins.Context{
		Path:            normalized,
		Content:         newContent,
		OriginalContent: original,
		AgentIdentity:   agentIdentity,
	})
	if err != nil {
		return 0, err
	}
	if !outcome.Success {
		return 0, pluginRejection(outcome)
	}
	finalContent := outcome.Content

	diff, err := m.diffs.CreateDiff(normalized, original, finalContent)
	if err != nil {
		return 0, errors.Wrap(err, "changes: create diff")
	}

	submittedHash := fingerprint.Hash([]byte(original))

	id, err := m.store.CreateChange(ctx, &store.Change{
		AgentIdentity:   agentIdentity,
		Path:            normalized,
		Diff:            diff,
		OriginalContent: original,
		Status:          store.ChangePending,
		SubmittedHash:   submittedHash,
		SubmitterModel:  agent.Metadata.SubmitterModel,
		History:         []store.ChangeEvent{{Timestamp: time.Now(), Status: store.ChangePending, Detail: "submitted"}},
		CreatedAt:       time.Now(),
	})
	if err != nil {
		return 0, apperrors.New(apperrors.ErrStorageError, err.Error())
	}

	m.recordEvent("submitted")
	m.publishChangesUpdated(ctx)
	return id, nil
}

// Approve stages the change's diff into the sandbox, validates it at
// DuringSync, and commits it into production on success.
func (m *Manager) Approve(ctx context.Context, changeID int64, approvedBy string) (*store.Change, error) {
	if m.limits.ApproveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.limits.ApproveTimeout)
		defer cancel()
	}

	change, err := m.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, errors.Wrap(err, "changes: approve")
	}
	if change == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, "changes: unknown change")
	}
	if change.Status != store.ChangePending {
		return nil, apperrors.New(apperrors.ErrInvalidTransition, "changes: change is not pending")
	}

	mu := m.pathLock(change.Path)
	mu.Lock()
	defer mu.Unlock()

	fp, hasFP, err := m.fingerprints.Fingerprint(ctx, change.Path)
	if err != nil {
		return nil, errors.Wrap(err, "changes: approve")
	}
	if hasFP && fp.Hash != change.SubmittedHash {
		m.recordEvent("drifted")
		return nil, apperrors.Drifted(apperrors.DriftDetails{
			Path:         change.Path,
			ExpectedHash: change.SubmittedHash,
			ActualHash:   fp.Hash,
		})
	}

	current, _, err := m.tree.Read(change.Path)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrFilesystemError, err.Error())
	}

	applied, err := m.diffs.ApplyDiff(change.Diff, current)
	if err != nil {
		m.recordEvent("drifted")
		return nil, apperrors.Drifted(apperrors.DriftDetails{
			Path:           change.Path,
			PatchApplyFail: true,
		})
	}

	outcome, err := m.runPipeline(ctx, plugins.StageDuringSync, plugins.Context{
		Path:            change.Path,
		Content:         applied,
		OriginalContent: change.OriginalContent,
		AgentIdentity:   change.AgentIdentity,
	})
	if err != nil {
		return nil, err
	}
	if !outcome.Success {
		return m.rejectForPluginFailure(ctx, change, outcome)
	}

	if err := m.tree.Stage(change.Path, outcome.Content); err != nil {
		return nil, apperrors.New(apperrors.ErrFilesystemError, err.Error())
	}
	if err := m.tree.Commit(change.Path); err != nil {
		_ = m.tree.Discard(change.Path)
		return m.rejectForFilesystemError(ctx, change, err)
	}

	newHash := fingerprint.Hash([]byte(outcome.Content))
	if err := m.fingerprints.Save(ctx, change.Path, newHash); err != nil {
		return nil, errors.Wrap(err, "changes: approve")
	}

	status := store.ChangeApproved
	updated, err := m.store.UpdateChange(ctx, changeID, store.ChangePatch{
		Status:     &status,
		ApprovedBy: &approvedBy,
		AppendEvent: &store.ChangeEvent{
			Timestamp: time.Now(),
			Status:    store.ChangeApproved,
			Detail:    "approved by " + approvedBy,
		},
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrStorageError, err.Error())
	}

	m.recordEvent("approved")
	m.publishChangeStatus(ctx, updated)
	m.publishChangesUpdated(ctx)
	return updated, nil
}

func (m *Manager) rejectForPluginFailure(ctx context.Context, change *store.Change, outcome plugins.Outcome) (*store.Change, error) {
	updated, rejErr := m.markRejected(ctx, change.ID, "plugin validation failed during approval")
	if rejErr != nil {
		return nil, rejErr
	}
	m.recordEvent("plugin_rejected")
	m.publishChangeStatus(ctx, updated)
	m.publishChangesUpdated(ctx)
	return nil, pluginRejection(outcome)
}

func (m *Manager) rejectForFilesystemError(ctx context.Context, change *store.Change, cause error) (*store.Change, error) {
	updated, rejErr := m.markRejected(ctx, change.ID, "filesystem error during commit: "+cause.Error())
	if rejErr != nil {
		return nil, rejErr
	}
	m.recordEvent("rejected")
	m.publishChangeStatus(ctx, updated)
	m.publishChangesUpdated(ctx)
	return nil, apperrors.New(apperrors.ErrFilesystemError, cause.Error())
}

func (m *Manager) markRejected(ctx context.Context, changeID int64, reason string) (*store.Change, error) {
	status := store.ChangeRejected
	return m.store.UpdateChange(ctx, changeID, store.ChangePatch{
		Status: &status,
		Reason: &reason,
		AppendEvent: &store.ChangeEvent{
			Timestamp: time.Now(),
			Status:    store.ChangeRejected,
			Detail:    reason,
		},
	})
}

// Reject marks a pending change rejected. It never touches the filesystem.
func (m *Manager) Reject(ctx context.Context, changeID int64, reason string) (*store.Change, error) {
	change, err := m.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, errors.Wrap(err, "changes: reject")
	}
	if change == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, "changes: unknown change")
	}
	if change.Status != store.ChangePending {
		return nil, apperrors.New(apperrors.ErrInvalidTransition, "changes: change is not pending")
	}

	if reason == "" {
		reason = "rejected by operator"
	}
	updated, err := m.markRejected(ctx, changeID, reason)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrStorageError, err.Error())
	}

	m.recordEvent("rejected")
	m.publishChangeStatus(ctx, updated)
	m.publishChangesUpdated(ctx)
	return updated, nil
}

// List is a pass-through to the Store with the supported filters.
func (m *Manager) List(ctx context.Context, filter store.ChangeFilter) ([]*store.Change, error) {
	return m.store.ListChanges(ctx, filter)
}

func pluginRejection(outcome plugins.Outcome) error {
	var failures []apperrors.PluginFailure
	for _, f := range outcome.Failures() {
		failures = append(failures, apperrors.PluginFailure{PluginID: f.PluginID, Message: f.Message})
	}
	return apperrors.PluginRejected(failures, outcome.Warnings())
}

func (m *Manager) publishChangesUpdated(ctx context.Context) {
	changes, err := m.store.ListChanges(ctx, store.ChangeFilter{Status: store.ChangePending})
	if err != nil {
		if m.logger != nil {
			m.logger.Error("changes: failed to list changes for ChangesUpdated event", "error", err)
		}
		return
	}
	m.bus.Publish(eventbus.ChannelChanges, eventbus.Event{
		Type: eventbus.EventChangesUpdated,
		Data: changes,
	})
}

func (m *Manager) publishChangeStatus(_ context.Context, change *store.Change) {
	m.bus.Publish(eventbus.ChannelChanges, eventbus.Event{
		Type: eventbus.EventChangeStatus,
		Data: map[string]any{"changeId": change.ID, "status": change.Status},
	})
}
