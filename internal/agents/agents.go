// Package agents implements the agent registry and edit-policy check
// (spec §4.7): who is allowed to submit changes, and to which paths.
package agents

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/voidsync/voidsync/internal/apperrors"
	"github.com/voidsync/voidsync/internal/store"
)

// Registry registers and looks up agents and answers the CanEdit policy
// check. It is the only writer of Agent records other than an
// operator-level admin endpoint (spec §3 ownership rule).
type Registry struct {
	store  store.Store
	logger *log.Logger

	mu       sync.RWMutex
	compiled map[string][]*regexp.Regexp // agent identity -> compiled CanEdit patterns
}

// NewRegistry constructs a Registry backed by st.
func NewRegistry(st store.Store, logger *log.Logger) *Registry {
	return &Registry{store: st, logger: logger, compiled: make(map[string][]*regexp.Regexp)}
}

// Register creates the agent on first sight or updates it otherwise
// (idempotent upsert).
func (r *Registry) Register(ctx context.Context, cfg store.Agent) (*store.Agent, error) {
	for _, pattern := range cfg.Metadata.CanEdit {
		if looksLikeGlob(pattern) {
			return nil, apperrors.New(apperrors.ErrInvalidInput,
				"agents: canEdit entries must be regular expressions, not glob patterns: "+pattern)
		}
	}

	existing, err := r.store.GetAgent(ctx, cfg.Identity)
	if err != nil {
		return nil, errors.Wrap(err, "agents: register")
	}

	now := time.Now()
	if existing != nil {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	if err := r.store.SaveAgent(ctx, &cfg); err != nil {
		return nil, errors.Wrap(err, "agents: register")
	}
	r.compilePatterns(cfg.Identity, cfg.Metadata.CanEdit)
	return &cfg, nil
}

// ByIdentity looks up an agent, or returns (nil, nil) if none is registered.
func (r *Registry) ByIdentity(ctx context.Context, identity string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, identity)
	if err != nil {
		return nil, errors.Wrap(err, "agents: lookup")
	}
	return agent, nil
}

// CanEdit reports whether agent may propose changes to path: the agent must
// be active, and either its canEdit list is empty (unrestricted) or some
// entry's compiled regex matches path. Invalid regexes are skipped and
// logged rather than failing the check.
func (r *Registry) CanEdit(agent *store.Agent, path string) bool {
	if agent == nil || agent.Status != store.AgentActive {
		return false
	}
	if len(agent.Metadata.CanEdit) == 0 {
		return true
	}

	for _, re := range r.patternsFor(agent) {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (r *Registry) patternsFor(agent *store.Agent) []*regexp.Regexp {
	r.mu.RLock()
	patterns, ok := r.compiled[agent.Identity]
	r.mu.RUnlock()
	if ok {
		return patterns
	}
	return r.compilePatterns(agent.Identity, agent.Metadata.CanEdit)
}

func (r *Registry) compilePatterns(identity string, raw []string) []*regexp.Regexp {
	var compiled []*regexp.Regexp
	for _, pattern := range raw {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("agents: skipping invalid canEdit pattern", "agent", identity, "pattern", pattern, "error", err)
			}
			continue
		}
		compiled = append(compiled, re)
	}

	r.mu.Lock()
	r.compiled[identity] = compiled
	r.mu.Unlock()
	return compiled
}

// List returns every registered agent.
func (r *Registry) List(ctx context.Context) ([]*store.Agent, error) {
	return r.store.ListAgents(ctx)
}

// looksLikeGlob flags shell-glob-shaped entries (e.g. "*.js") so they are
// rejected at ingress rather than silently auto-translated into regex. A
// leading "*" is never valid regex syntax on its own, so this is the one
// unambiguous glob shape worth catching here.
func looksLikeGlob(pattern string) bool {
	return pattern != "" && pattern[0] == '*'
}
