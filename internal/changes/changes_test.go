package changes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// alwaysFailsPlugin is a test double that rejects every file at the given
// stage, used to exercise the Approve-time DuringSync rollback path.
type alwaysFailsPlugin struct {
	stage plugins.Stage
}

func (p *alwaysFailsPlugin) ID() string                { return "always-fails" }
func (p *alwaysFailsPlugin) Kind() plugins.Kind        { return plugins.KindValidator }
func (p *alwaysFailsPlugin) Stages() []plugins.Stage   { return []plugins.Stage{p.stage} }
func (p *alwaysFailsPlugin) Patterns() []*regexp.Regexp { return nil }
func (p *alwaysFailsPlugin) Enabled() bool             { return true }
func (p *alwaysFailsPlugin) Execute(plugins.Context) plugins.Result {
	return plugins.Result{Success: false, Err: errRejected}
}

var errRejected = errors.New("rejected by test plugin")

// slowPlugin blocks for a fixed delay before succeeding, used to exercise
// PluginTimeout enforcement.
type slowPlugin struct {
	stage plugins.Stage
	delay time.Duration
}

func (p *slowPlugin) ID() string                 { return "slow-plugin" }
func (p *slowPlugin) Kind() plugins.Kind         { return plugins.KindValidator }
func (p *slowPlugin) Stages() []plugins.Stage    { return []plugins.Stage{p.stage} }
func (p *slowPlugin) Patterns() []*regexp.Regexp { return nil }
func (p *slowPlugin) Enabled() bool              { return true }
func (p *slowPlugin) Execute(plugins.Context) plugins.Result {
	time.Sleep(p.delay)
	return plugins.Result{Success: true}
}

type testRig struct {
	manager  *Manager
	store    store.Store
	agents   *agents.Registry
	locks    *locks.Registry
	pipeline *plugins.Pipeline
	tree     *sandbox.Tree
	metrics  *metrics.Registry
	prodRoot string
}

func newTestRig(t *testing.T, maxRequests int) *testRig {
	t.Helper()
	return newTestRigWithLimits(t, maxRequests, Limits{})
}

func newTestRigWithLimits(t *testing.T, maxRequests int, limits Limits) *testRig {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	prodRoot := filepath.Join(t.TempDir(), "production")
	sandboxRoot := filepath.Join(t.TempDir(), "sandbox")
	require.NoError(t, os.MkdirAll(prodRoot, 0o755))
	require.NoError(t, os.MkdirAll(sandboxRoot, 0o755))

	agentRegistry := agents.NewRegistry(st, nil)
	lockRegistry, err := locks.NewRegistry(ctx, st)
	require.NoError(t, err)
	limiter, err := ratelimit.NewLimiter(ctx, st, time.Minute, maxRequests)
	require.NoError(t, err)
	pipeline := plugins.New(nil)
	fingerprinter := fingerprint.New(st)
	diffEngine := diffengine.New(diffengine.DefaultContextLines)
	tree := sandbox.New(prodRoot, sandboxRoot)
	bus := eventbus.NewBus()
	t.Cleanup(bus.Close)
	metricsRegistry := metrics.New(bus)

	manager := New(st, agentRegistry, limiter, lockRegistry, pipeline, fingerprinter, diffEngine, tree, bus, nil, metricsRegistry, limits)

	return &testRig{
		manager: manager, store: st, agents: agentRegistry, locks: lockRegistry,
		pipeline: pipeline, tree: tree, metrics: metricsRegistry, prodRoot: prodRoot,
	}
}

func (r *testRig) registerActiveAgent(t *testing.T, identity string, canEdit []string) {
	t.Helper()
	_, err := r.agents.Register(context.Background(), store.Agent{
		Identity: identity,
		Status:   store.AgentActive,
		Metadata: store.AgentMetadata{CanEdit: canEdit},
	})
	require.NoError(t, err)
}

func (r *testRig) registerAgentWithMetadata(t *testing.T, identity string, metadata store.AgentMetadata) {
	t.Helper()
	_, err := r.agents.Register(context.Background(), store.Agent{
		Identity: identity,
		Status:   store.AgentActive,
		Metadata: metadata,
	})
	require.NoError(t, err)
}

func TestSubmitStoresPendingChangeWithDiff(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	id, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)

	change, err := rig.store.GetChange(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, store.ChangePending, change.Status)
	assert.Contains(t, change.Diff, "x=1")
	assert.Equal(t, "", change.OriginalContent)
}

func TestSubmitFailsForUnknownAgent(t *testing.T) {
	rig := newTestRig(t, 1000)
	_, err := rig.manager.Submit(context.Background(), "nobody", "a.js", "x=1\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAgentUnknown)
}

func TestSubmitFailsForInactiveAgent(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	_, err := rig.agents.Register(ctx, store.Agent{Identity: "GPT-4", Status: store.AgentInactive})
	require.NoError(t, err)

	_, err = rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAgentInactive)
}

func TestSubmitFailsWhenRateLimited(t *testing.T) {
	rig := newTestRig(t, 1)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	_, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)

	_, err = rig.manager.Submit(ctx, "GPT-4", "b.js", "y=1\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}

func TestSubmitFailsWhenForbiddenByPolicy(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", []string{`^docs/`})

	_, err := rig.manager.Submit(ctx, "GPT-4", "src/app.js", "x=1\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestSubmitFailsWhenPathLocked(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)
	_, err := rig.locks.CreateLock(ctx, "config/settings.json", "", "")
	require.NoError(t, err)

	_, err = rig.manager.Submit(ctx, "GPT-4", "config/settings.json", "{}")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrLocked)
}

func TestSubmitFailsWhenPluginRejects(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)
	rig.pipeline.Register(plugins.NewSyntaxValidator(nil))

	_, err := rig.manager.Submit(ctx, "GPT-4", "a.json", "{ not json")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPluginRejected)
}

func TestSubmitRejectsTraversalPath(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	_, err := rig.manager.Submit(ctx, "GPT-4", "../etc/passwd", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestApproveCommitsToProductionAndUpdatesFingerprint(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	id, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)

	updated, err := rig.manager.Approve(ctx, id, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, store.ChangeApproved, updated.Status)
	assert.Equal(t, "operator-1", updated.ApprovedBy)

	data, err := os.ReadFile(filepath.Join(rig.prodRoot, "a.js"))
	require.NoError(t, err)
	assert.Equal(t, "x=1\n", string(data))
}

func TestApproveFailsNotFound(t *testing.T) {
	rig := newTestRig(t, 1000)
	_, err := rig.manager.Approve(context.Background(), 999, "operator-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestApproveTwiceFailsInvalidTransition(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	id, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)
	_, err = rig.manager.Approve(ctx, id, "operator-1")
	require.NoError(t, err)

	_, err = rig.manager.Approve(ctx, id, "operator-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestApproveFailsOnDriftAndLeavesChangePending(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	require.NoError(t, os.WriteFile(filepath.Join(rig.prodRoot, "a.js"), []byte("original\n"), 0o644))
	fingerprinter := fingerprint.New(rig.store)
	require.NoError(t, fingerprinter.Save(ctx, "a.js", "stale-hash-from-a-different-commit"))

	id, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "changed\n")
	require.NoError(t, err)

	_, err = rig.manager.Approve(ctx, id, "operator-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDrifted)

	change, err := rig.store.GetChange(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ChangePending, change.Status)
}

func TestApproveFailsWhenDiffNoLongerAppliesAndLeavesChangePending(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	require.NoError(t, os.WriteFile(filepath.Join(rig.prodRoot, "a.js"), []byte("line1\nline2\nline3\n"), 0o644))

	id, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "line1\nCHANGED\nline3\n")
	require.NoError(t, err)

	// Production changes again after submit, without ever going through
	// the Fingerprinter: no fingerprint is on record, so the hash-drift
	// check at the top of Approve does not fire, and this purely exercises
	// the ApplyDiff-failure branch instead.
	require.NoError(t, os.WriteFile(filepath.Join(rig.prodRoot, "a.js"), []byte("totally different content\n"), 0o644))

	_, err = rig.manager.Approve(ctx, id, "operator-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDrifted)

	change, err := rig.store.GetChange(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ChangePending, change.Status, "a failed diff apply must pause for review, never auto-reject")
}

func TestApproveRejectsWhenDuringSyncPluginFails(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	id, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)

	rig.pipeline.Register(&alwaysFailsPlugin{stage: plugins.StageDuringSync})

	_, err = rig.manager.Approve(ctx, id, "operator-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPluginRejected)

	change, err := rig.store.GetChange(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ChangeRejected, change.Status)

	_, err = os.Stat(filepath.Join(rig.prodRoot, "a.js"))
	assert.True(t, os.IsNotExist(err), "production must be untouched when DuringSync rejects")
}

func TestRejectMarksRejectedWithoutTouchingFilesystem(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	id, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)

	updated, err := rig.manager.Reject(ctx, id, "not needed")
	require.NoError(t, err)
	assert.Equal(t, store.ChangeRejected, updated.Status)

	_, err = os.Stat(filepath.Join(rig.prodRoot, "a.js"))
	assert.True(t, os.IsNotExist(err))
}

func TestRejectTwiceFailsInvalidTransition(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	id, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)
	_, err = rig.manager.Reject(ctx, id, "")
	require.NoError(t, err)

	_, err = rig.manager.Reject(ctx, id, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestListFiltersByStatus(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	id1, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)
	_, err = rig.manager.Submit(ctx, "GPT-4", "b.js", "y=1\n")
	require.NoError(t, err)

	_, err = rig.manager.Reject(ctx, id1, "")
	require.NoError(t, err)

	pending, err := rig.manager.List(ctx, store.ChangeFilter{Status: store.ChangePending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	rejected, err := rig.manager.List(ctx, store.ChangeFilter{Status: store.ChangeRejected})
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}

func TestSubmitFailsWhenContentExceedsMaxFileSize(t *testing.T) {
	rig := newTestRigWithLimits(t, 1000, Limits{MaxFileSize: 4})
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	_, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "way too long")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestSubmitFailsWhenDailyChangeCapReached(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerAgentWithMetadata(t, "GPT-4", store.AgentMetadata{MaxChangesPerDay: 1})

	_, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)

	_, err = rig.manager.Submit(ctx, "GPT-4", "b.js", "y=1\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}

func TestApprovePluginTimeoutLeavesChangePending(t *testing.T) {
	rig := newTestRigWithLimits(t, 1000, Limits{PluginTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	id, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)

	rig.pipeline.Register(&slowPlugin{stage: plugins.StageDuringSync, delay: 100 * time.Millisecond})

	_, err = rig.manager.Approve(ctx, id, "operator-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)

	change, err := rig.store.GetChange(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ChangePending, change.Status, "a plugin timeout must not mutate change status")

	_, err = os.Stat(filepath.Join(rig.prodRoot, "a.js"))
	assert.True(t, os.IsNotExist(err), "production must be untouched when a plugin run times out")
}

func TestSubmitAndApproveRecordChangeEvents(t *testing.T) {
	rig := newTestRig(t, 1000)
	ctx := context.Background()
	rig.registerActiveAgent(t, "GPT-4", nil)

	id, err := rig.manager.Submit(ctx, "GPT-4", "a.js", "x=1\n")
	require.NoError(t, err)
	_, err = rig.manager.Approve(ctx, id, "operator-1")
	require.NoError(t, err)

	other, err := rig.manager.Submit(ctx, "GPT-4", "b.js", "y=1\n")
	require.NoError(t, err)
	_, err = rig.manager.Reject(ctx, other, "not needed")
	require.NoError(t, err)

	snapshot := rig.metrics.Snapshot()
	assert.Equal(t, 2, snapshot.ChangeEventCounts["submitted"])
	assert.Equal(t, 1, snapshot.ChangeEventCounts["approved"])
	assert.Equal(t, 1, snapshot.ChangeEventCounts["rejected"])
}
