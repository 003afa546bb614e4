// Package locks implements the lock registry (spec §4.4): path and pattern
// locks that answer "is this path writable?" before a Change is allowed to
// touch the sandbox.
//
// Per the documented Open Question decision, PathPattern is a regex over the
// normalized path and ContentPattern is a separate regex over the proposed
// new content -- the two are never conflated under one field.
package locks

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/voidsync/voidsync/internal/apperrors"
	"github.com/voidsync/voidsync/internal/store"
)

// Registry is the only writer of Locks (spec §3 ownership rule).
type Registry struct {
	store store.Store

	mu       sync.RWMutex
	compiled map[string]*compiledLock // keyed by Lock.ID
}

type compiledLock struct {
	lock         store.Lock
	pathRegex    *regexp.Regexp
	contentRegex *regexp.Regexp
}

// NewRegistry constructs a Registry and loads existing locks from st,
// pre-compiling their patterns.
func NewRegistry(ctx context.Context, st store.Store) (*Registry, error) {
	r := &Registry{store: st, compiled: make(map[string]*compiledLock)}

	existing, err := st.ListLocks(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "locks: load existing")
	}
	for _, l := range existing {
		if err := r.compileAndStore(*l); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NormalizePath applies the normalization rule from spec §4.4: forward-slash
// separators, leading "./" stripped, and ".." segments rejected at ingress.
func NormalizePath(path string) (string, error) {
	normalized := strings.ReplaceAll(path, "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	for strings.HasPrefix(normalized, "/") {
		normalized = normalized[1:]
	}
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", apperrors.New(apperrors.ErrInvalidInput, "locks: path must not contain .. segments")
		}
	}
	if normalized == "" {
		return "", apperrors.New(apperrors.ErrInvalidInput, "locks: path must not be empty")
	}
	return normalized, nil
}

func (r *Registry) compileAndStore(l store.Lock) error {
	cl := &compiledLock{lock: l}
	if l.PathPattern != "" {
		re, err := regexp.Compile(l.PathPattern)
		if err != nil {
			return apperrors.New(apperrors.ErrInvalidInput, "locks: invalid path pattern: "+err.Error())
		}
		cl.pathRegex = re
	}
	if l.ContentPattern != "" {
		re, err := regexp.Compile(l.ContentPattern)
		if err != nil {
			return apperrors.New(apperrors.ErrInvalidInput, "locks: invalid content pattern: "+err.Error())
		}
		cl.contentRegex = re
	}

	r.mu.Lock()
	r.compiled[l.ID] = cl
	r.mu.Unlock()
	return nil
}

// Check returns the first lock that forbids writing proposedContent to
// path, or (nil, false) if the write is allowed. Exact-path locks are
// checked first, then PathPattern regex locks, then ContentPattern regex
// locks against proposedContent, matching the order in spec §4.4.
func (r *Registry) Check(path, proposedContent string) (*store.Lock, bool) {
	normalized, err := NormalizePath(path)
	if err != nil {
		// An un-normalizable path can't be matched against anything; callers
		// validate paths at ingress before they ever reach Check.
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cl := range r.compiled {
		if cl.lock.Path != "" && cl.lock.PathPattern == "" && cl.lock.ContentPattern == "" {
			if samePath(cl.lock.Path, normalized) {
				l := cl.lock
				return &l, true
			}
		}
	}
	for _, cl := range r.compiled {
		if cl.pathRegex != nil && cl.pathRegex.MatchString(normalized) {
			l := cl.lock
			return &l, true
		}
	}
	for _, cl := range r.compiled {
		if cl.contentRegex != nil && cl.contentRegex.MatchString(proposedContent) {
			l := cl.lock
			return &l, true
		}
	}
	return nil, false
}

func samePath(a, b string) bool {
	na, errA := NormalizePath(a)
	if errA != nil {
		na = a
	}
	return na == b
}

// CreateLock creates a new lock. path, pathPattern and contentPattern are
// each optional and may be set independently. A non-empty path must not be
// used by another lock already (the store reports ErrAlreadyLocked). A lock
// with either pattern set is matched by Check through its patterns alone.
func (r *Registry) CreateLock(ctx context.Context, path, pathPattern, contentPattern string) (*store.Lock, error) {
	normalized := path
	if path != "" {
		n, err := NormalizePath(path)
		if err != nil {
			return nil, err
		}
		normalized = n
	}
	if pathPattern != "" {
		if _, err := regexp.Compile(pathPattern); err != nil {
			return nil, apperrors.New(apperrors.ErrInvalidInput, "locks: invalid path pattern: "+err.Error())
		}
	}
	if contentPattern != "" {
		if _, err := regexp.Compile(contentPattern); err != nil {
			return nil, apperrors.New(apperrors.ErrInvalidInput, "locks: invalid content pattern: "+err.Error())
		}
	}

	l := &store.Lock{
		ID:             uuid.NewString(),
		Path:           normalized,
		PathPattern:    pathPattern,
		ContentPattern: contentPattern,
	}
	if err := r.store.CreateLock(ctx, l); err != nil {
		return nil, err
	}
	if err := r.compileAndStore(*l); err != nil {
		return nil, err
	}
	return l, nil
}

// ReleaseLock deletes a lock by id, reporting whether it existed.
func (r *Registry) ReleaseLock(ctx context.Context, id string) (bool, error) {
	existed, err := r.store.DeleteLock(ctx, id)
	if err != nil {
		return false, err
	}
	if existed {
		r.mu.Lock()
		delete(r.compiled, id)
		r.mu.Unlock()
	}
	return existed, nil
}

// List returns all currently registered locks.
func (r *Registry) List(ctx context.Context) ([]*store.Lock, error) {
	return r.store.ListLocks(ctx)
}
