package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cloudesk/brokerd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs         = []byte("jobs")
	bucketDelayedTasks = []byte("delayed_tasks")
	bucketResources    = []byte("resources")
	bucketPools        = []byte("pools")
	bucketHistory      = []byte("assignment_history")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "brokerd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketDelayedTasks,
			bucketResources,
			bucketPools,
			bucketHistory,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Scheduled job operations ---

// RegisterJob creates the job row if absent. Re-registration only refreshes
// the frequency; claim fields survive restarts untouched.
func (s *BoltStore) RegisterJob(job *types.ScheduledJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if data := b.Get([]byte(job.Name)); data != nil {
			var existing types.ScheduledJob
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			existing.Frequency = job.Frequency
			return putJSON(b, []byte(job.Name), &existing)
		}
		job.State = types.JobStateReady
		return putJSON(b, []byte(job.Name), job)
	})
}

func (s *BoltStore) GetJob(name string) (*types.ScheduledJob, error) {
	var job types.ScheduledJob
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("job %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.ScheduledJob, error) {
	var jobs []*types.ScheduledJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.ScheduledJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

// DueJobs returns claimable jobs whose next execution has arrived, ordered
// soonest first.
func (s *BoltStore) DueJobs(now time.Time) ([]*types.ScheduledJob, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}

	var due []*types.ScheduledJob
	for _, job := range jobs {
		if job.State == types.JobStateReady && !job.NextExecution.After(now) {
			due = append(due, job)
			continue
		}
		// A lapsed lease makes a RUNNING job claimable again.
		if job.State == types.JobStateRunning && now.After(job.LeaseExpiry) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextExecution.Before(due[j].NextExecution)
	})
	return due, nil
}

// ClaimJob atomically grants this node the right to run the named job for
// one cycle. The claim succeeds only if the job is READY and due, or if a
// previous claim's lease has expired. A lost race returns (false, nil).
func (s *BoltStore) ClaimJob(name, node string, now time.Time, lease time.Duration) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("job %s: %w", name, ErrNotFound)
		}
		var job types.ScheduledJob
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		claimable := job.State == types.JobStateReady && !job.NextExecution.After(now)
		reclaimable := job.State == types.JobStateRunning && now.After(job.LeaseExpiry)
		if !claimable && !reclaimable {
			return nil
		}

		job.State = types.JobStateRunning
		job.OwnerNode = node
		job.LastExecution = now
		job.LeaseExpiry = now.Add(lease)
		claimed = true
		return putJSON(b, []byte(name), &job)
	})
	return claimed, err
}

// ReleaseJob returns a job to READY with its next execution time set.
func (s *BoltStore) ReleaseJob(name string, next time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("job %s: %w", name, ErrNotFound)
		}
		var job types.ScheduledJob
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		job.State = types.JobStateReady
		job.OwnerNode = ""
		job.NextExecution = next
		job.LeaseExpiry = time.Time{}
		return putJSON(b, []byte(name), &job)
	})
}

// ReleaseJobsOwnedBy clears every claim held by the given node, plus any
// foreign RUNNING claim whose lease has lapsed. Called once at startup so a
// crash never starves a job forever.
func (s *BoltStore) ReleaseJobsOwnedBy(node string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.ScheduledJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			orphaned := job.OwnerNode == node
			lapsed := job.State == types.JobStateRunning && now.After(job.LeaseExpiry)
			if !orphaned && !lapsed {
				return nil
			}
			job.State = types.JobStateReady
			job.OwnerNode = ""
			job.LeaseExpiry = time.Time{}
			return putJSON(b, k, &job)
		})
	})
}

// --- Delayed task operations ---

// PutDelayedTask stores a one-off task. Tags deduplicate: a pending task
// with the same tag is left untouched.
func (s *BoltStore) PutDelayedTask(task *types.DelayedTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDelayedTasks)
		if b.Get([]byte(task.Tag)) != nil {
			return nil
		}
		return putJSON(b, []byte(task.Tag), task)
	})
}

func (s *BoltStore) DelayedTaskExists(tag string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketDelayedTasks).Get([]byte(tag)) != nil
		return nil
	})
	return exists, err
}

func (s *BoltStore) RemoveDelayedTask(tag string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDelayedTasks).Delete([]byte(tag))
	})
}

// ClaimDueDelayedTask pops the earliest due task in one transaction.
// The delete is the claim: no two nodes can obtain the same task.
func (s *BoltStore) ClaimDueDelayedTask(now time.Time) (*types.DelayedTask, error) {
	var claimed *types.DelayedTask
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDelayedTasks)
		var best *types.DelayedTask
		err := b.ForEach(func(k, v []byte) error {
			var task types.DelayedTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.ExecTime.After(now) {
				return nil
			}
			if best == nil || task.ExecTime.Before(best.ExecTime) {
				best = &task
			}
			return nil
		})
		if err != nil || best == nil {
			return err
		}
		if err := b.Delete([]byte(best.Tag)); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	return claimed, err
}

// --- Resource operations ---

func (s *BoltStore) CreateResource(resource *types.Resource) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketResources), []byte(resource.ID), resource)
	})
}

func (s *BoltStore) GetResource(id string) (*types.Resource, error) {
	var resource types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResources).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("resource %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &resource)
	})
	if err != nil {
		return nil, err
	}
	return &resource, nil
}

func (s *BoltStore) ListResources() ([]*types.Resource, error) {
	var resources []*types.Resource
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var resource types.Resource
			if err := json.Unmarshal(v, &resource); err != nil {
				return err
			}
			resources = append(resources, &resource)
			return nil
		})
	})
	return resources, err
}

func (s *BoltStore) ListResourcesByPool(poolID string) ([]*types.Resource, error) {
	resources, err := s.ListResources()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Resource
	for _, resource := range resources {
		if resource.PoolID == poolID {
			filtered = append(filtered, resource)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateResource(resource *types.Resource) error {
	return s.CreateResource(resource) // Same as create (upsert)
}

// UpdateResourceIf writes the resource only if its stored StateTimestamp
// still matches the expected one. Returns ErrConflict otherwise.
func (s *BoltStore) UpdateResourceIf(resource *types.Resource, expected time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResources)
		data := b.Get([]byte(resource.ID))
		if data == nil {
			return fmt.Errorf("resource %s: %w", resource.ID, ErrNotFound)
		}
		var current types.Resource
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if !current.StateTimestamp.Equal(expected) {
			return ErrConflict
		}
		return putJSON(b, []byte(resource.ID), resource)
	})
}

func (s *BoltStore) DeleteResource(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Delete([]byte(id))
	})
}

// --- Pool operations ---

func (s *BoltStore) CreatePool(pool *types.Pool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPools), []byte(pool.ID), pool)
	})
}

func (s *BoltStore) GetPool(id string) (*types.Pool, error) {
	var pool types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPools).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("pool %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &pool)
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *BoltStore) GetPoolByName(name string) (*types.Pool, error) {
	var found *types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			if pool.Name == name {
				found = &pool
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("pool %s: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListPools() ([]*types.Pool, error) {
	var pools []*types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			pools = append(pools, &pool)
			return nil
		})
	})
	return pools, err
}

func (s *BoltStore) UpdatePool(pool *types.Pool) error {
	return s.CreatePool(pool)
}

func (s *BoltStore) DeletePool(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).Delete([]byte(id))
	})
}

// --- Assignment history operations ---

func (s *BoltStore) AppendAssignmentHistory(rec *types.AssignmentHistoryRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketHistory), []byte(rec.ID), rec)
	})
}

func (s *BoltStore) ListAssignmentHistoryByPool(poolID string) ([]*types.AssignmentHistoryRecord, error) {
	var records []*types.AssignmentHistoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).ForEach(func(k, v []byte) error {
			var rec types.AssignmentHistoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.PoolID == poolID {
				records = append(records, &rec)
			}
			return nil
		})
	})
	return records, err
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}
