package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const stateFileName = "queue-state.json"

// persistedState is the serializable representation of live requests,
// listed in dispatch order.
type persistedState struct {
	SavedAt  time.Time `json:"saved_at"`
	Requests []Request `json:"requests"`
}

// SaveState writes every live request to dir as JSON. Processing requests
// are saved as pending ahead of their bucket's pending requests. The write
// is atomic (temp file then rename) and holds the directory's file lock.
func (q *AdmissionQueue) SaveState(dir string) error {
	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := json.MarshalIndent(persistedState{
		SavedAt:  time.Now(),
		Requests: q.snapshotForSave(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}

	target := filepath.Join(dir, stateFileName)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (q *AdmissionQueue) snapshotForSave() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var processing []Request
	for _, e := range q.live {
		if e.req.Status == StatusProcessing {
			processing = append(processing, e.req)
		}
	}
	sort.SliceStable(processing, func(i, j int) bool {
		return processing[i].SubmittedAt.Before(processing[j].SubmittedAt)
	})

	out := make([]Request, 0, len(q.live))
	for p := len(q.buckets) - 1; p >= 0; p-- {
		for _, r := range processing {
			if int(r.Priority) == p {
				r.Status = StatusPending
				out = append(out, r)
			}
		}
		for _, e := range q.buckets[p] {
			out = append(out, e.req)
		}
	}
	return out
}

// LoadState enqueues the requests saved in dir, preserving their ids,
// retry counts and order. It returns a handle per restored request. A
// request rejected by Enqueue (capacity, duplicate id) aborts the load;
// requests restored before it stay queued.
func (q *AdmissionQueue) LoadState(dir string) ([]*Handle, error) {
	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal queue state: %w", err)
	}

	handles := make([]*Handle, 0, len(state.Requests))
	for _, req := range state.Requests {
		h, err := q.Enqueue(req)
		if err != nil {
			return handles, fmt.Errorf("restore request %s: %w", req.ID, err)
		}
		handles = append(handles, h)
	}
	q.logger.Info("queue state restored", "requests", len(handles), "saved_at", state.SavedAt)
	return handles, nil
}
