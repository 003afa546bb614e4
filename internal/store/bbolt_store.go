package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/voidsync/voidsync/internal/apperrors"
)

// Bucket names, one per §3 entity plus a sequence counter for Change ids.
// This mirrors the teacher's prefix-keyed kvstore (prefixAgent, prefixHITL,
// ...) translated into bbolt's native bucket namespacing.
var (
	bucketAgents      = []byte("agents")
	bucketChanges     = []byte("changes")
	bucketLocks       = []byte("locks")
	bucketRateLimits  = []byte("ratelimits")
	bucketFingerprints = []byte("fingerprints")
	bucketSeq         = []byte("sequences")

	seqKeyChange = []byte("change")
)

type bboltStore struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt-backed Store at path.
func Open(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "store: open bbolt database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAgents, bucketChanges, bucketLocks, bucketRateLimits, bucketFingerprints, bucketSeq} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "store: create buckets")
	}

	return &bboltStore{db: db}, nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

func changeKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// --- Agents ---

func (s *bboltStore) GetAgent(ctx context.Context, identity string) (*Agent, error) {
	var agent Agent
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAgents).Get([]byte(identity))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &agent)
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: get agent")
	}
	if !found {
		return nil, nil
	}
	return &agent, nil
}

func (s *bboltStore) SaveAgent(ctx context.Context, agent *Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return errors.Wrap(err, "store: marshal agent")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Put([]byte(agent.Identity), data)
	})
	if err != nil {
		return errors.Wrap(err, "store: save agent")
	}
	return nil
}

func (s *bboltStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	var agents []*Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, raw []byte) error {
			var a Agent
			if err := json.Unmarshal(raw, &a); err != nil {
				return err
			}
			agents = append(agents, &a)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: list agents")
	}
	return agents, nil
}

// --- Changes ---

func (s *bboltStore) CreateChange(ctx context.Context, change *Change) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		seqBucket := tx.Bucket(bucketSeq)
		next, err := seqBucket.NextSequence()
		if err != nil {
			return err
		}
		id = int64(next)
		change.ID = id

		data, err := json.Marshal(change)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketChanges).Put(changeKey(id), data)
	})
	if err != nil {
		return 0, errors.Wrap(err, "store: create change")
	}
	return id, nil
}

func (s *bboltStore) GetChange(ctx context.Context, id int64) (*Change, error) {
	var change Change
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChanges).Get(changeKey(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &change)
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: get change")
	}
	if !found {
		return nil, nil
	}
	return &change, nil
}

// allowedTransitions enumerates the only two admissible status changes
// (spec §3: "Exactly one status transition is permitted").
var allowedTransitions = map[ChangeStatus]map[ChangeStatus]bool{
	ChangePending: {
		ChangeApproved: true,
		ChangeRejected: true,
	},
}

func (s *bboltStore) UpdateChange(ctx context.Context, id int64, patch ChangePatch) (*Change, error) {
	var updated Change
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketChanges)
		raw := bucket.Get(changeKey(id))
		if raw == nil {
			return apperrors.ErrNotFound
		}

		var change Change
		if err := json.Unmarshal(raw, &change); err != nil {
			return err
		}

		if patch.Status != nil {
			if !allowedTransitions[change.Status][*patch.Status] {
				return apperrors.New(apperrors.ErrInvalidTransition,
					fmt.Sprintf("store: cannot transition change %d from %s to %s", id, change.Status, *patch.Status))
			}
			change.Status = *patch.Status
		}
		if patch.ApprovedBy != nil {
			change.ApprovedBy = *patch.ApprovedBy
		}
		if patch.Reason != nil {
			change.Reason = *patch.Reason
		}
		if patch.AppendEvent != nil {
			change.History = append(change.History, *patch.AppendEvent)
		}

		data, err := json.Marshal(&change)
		if err != nil {
			return err
		}
		if err := bucket.Put(changeKey(id), data); err != nil {
			return err
		}
		updated = change
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		var taxonErr *apperrors.TaxonError
		if errors.As(err, &taxonErr) {
			return nil, err
		}
		return nil, errors.Wrap(err, "store: update change")
	}
	return &updated, nil
}

func (s *bboltStore) ListChanges(ctx context.Context, filter ChangeFilter) ([]*Change, error) {
	var all []*Change
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChanges).ForEach(func(_, raw []byte) error {
			var c Change
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			if filter.Status != "" && c.Status != filter.Status {
				return nil
			}
			if filter.AgentIdentity != "" && c.AgentIdentity != filter.AgentIdentity {
				return nil
			}
			if !filter.After.IsZero() && c.CreatedAt.Before(filter.After) {
				return nil
			}
			if !filter.Before.IsZero() && c.CreatedAt.After(filter.Before) {
				return nil
			}
			all = append(all, &c)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: list changes")
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return nil, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, nil
}

// --- Locks ---

func (s *bboltStore) CreateLock(ctx context.Context, lock *Lock) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)

		if lock.Path != "" {
			existing, err := findLockByPath(bucket, lock.Path)
			if err != nil {
				return err
			}
			if existing != nil {
				return apperrors.ErrAlreadyLocked
			}
		}

		data, err := json.Marshal(lock)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(lock.ID), data)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrAlreadyLocked) {
			return err
		}
		return errors.Wrap(err, "store: create lock")
	}
	return nil
}

func findLockByPath(bucket *bolt.Bucket, path string) (*Lock, error) {
	var found *Lock
	err := bucket.ForEach(func(_, raw []byte) error {
		if found != nil {
			return nil
		}
		var l Lock
		if err := json.Unmarshal(raw, &l); err != nil {
			return err
		}
		if l.Path == path {
			found = &l
		}
		return nil
	})
	return found, err
}

func (s *bboltStore) DeleteLock(ctx context.Context, id string) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		if bucket.Get([]byte(id)) != nil {
			existed = true
		}
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return false, errors.Wrap(err, "store: delete lock")
	}
	return existed, nil
}

func (s *bboltStore) ListLocks(ctx context.Context) ([]*Lock, error) {
	var locks []*Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(_, raw []byte) error {
			var l Lock
			if err := json.Unmarshal(raw, &l); err != nil {
				return err
			}
			locks = append(locks, &l)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: list locks")
	}
	return locks, nil
}

func (s *bboltStore) GetLockByPath(ctx context.Context, path string) (*Lock, error) {
	var found *Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = findLockByPath(tx.Bucket(bucketLocks), path)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: get lock by path")
	}
	return found, nil
}

// --- Rate-limit counters ---

func (s *bboltStore) GetRateLimitCounter(ctx context.Context, agentIdentity string) (*RateLimitCounter, error) {
	var counter RateLimitCounter
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRateLimits).Get([]byte(agentIdentity))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &counter)
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: get rate limit counter")
	}
	if !found {
		return nil, nil
	}
	return &counter, nil
}

func (s *bboltStore) SaveRateLimitCounter(ctx context.Context, counter *RateLimitCounter) error {
	data, err := json.Marshal(counter)
	if err != nil {
		return errors.Wrap(err, "store: marshal rate limit counter")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).Put([]byte(counter.AgentIdentity), data)
	})
	if err != nil {
		return errors.Wrap(err, "store: save rate limit counter")
	}
	return nil
}

func (s *bboltStore) ListRateLimitCounters(ctx context.Context) ([]*RateLimitCounter, error) {
	var counters []*RateLimitCounter
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).ForEach(func(_, raw []byte) error {
			var c RateLimitCounter
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			counters = append(counters, &c)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: list rate limit counters")
	}
	return counters, nil
}

// --- Fingerprints ---

func (s *bboltStore) GetFingerprint(ctx context.Context, path string) (*Fingerprint, error) {
	var fp Fingerprint
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFingerprints).Get([]byte(path))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &fp)
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: get fingerprint")
	}
	if !found {
		return nil, nil
	}
	return &fp, nil
}

func (s *bboltStore) SaveFingerprint(ctx context.Context, fp *Fingerprint) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return errors.Wrap(err, "store: marshal fingerprint")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFingerprints).Put([]byte(fp.Path), data)
	})
	if err != nil {
		return errors.Wrap(err, "store: save fingerprint")
	}
	return nil
}
