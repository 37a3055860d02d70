package journal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps the journal in process memory. It is the default for
// tests and short-lived embedders; nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]*Execution
	nodes map[string][]*NodeExecution
	logs  map[string][]LogEntry
}

// NewMemoryStore returns an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		execs: make(map[string]*Execution),
		nodes: make(map[string][]*NodeExecution),
		logs:  make(map[string][]LogEntry),
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[ex.ID]; exists {
		return fmt.Errorf("journal: execution %s already exists", ex.ID)
	}
	s.execs[ex.ID] = copyExecution(ex)
	return nil
}

func (s *MemoryStore) FinishExecution(_ context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.execs[ex.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("journal: execution %s already finished", ex.ID)
	}
	s.execs[ex.ID] = copyExecution(ex)
	return nil
}

func (s *MemoryStore) CreateNodeExecution(_ context.Context, ne *NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[ne.ExecutionID]; !ok {
		return ErrNotFound
	}
	s.nodes[ne.ExecutionID] = append(s.nodes[ne.ExecutionID], copyNodeExecution(ne))
	return nil
}

func (s *MemoryStore) UpdateNodeExecution(_ context.Context, ne *NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.nodes[ne.ExecutionID]
	for i, row := range rows {
		if row.ID == ne.ID {
			rows[i] = copyNodeExecution(ne)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) AppendLogs(_ context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.logs[e.ExecutionID] = append(s.logs[e.ExecutionID], e)
	}
	return nil
}

func (s *MemoryStore) Execution(_ context.Context, id string, opts LoadOpts) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyExecution(ex)
	if opts.WithNodes {
		rows := s.nodes[id]
		out.Nodes = make([]NodeExecution, len(rows))
		for i, row := range rows {
			out.Nodes[i] = *copyNodeExecution(row)
		}
	}
	if opts.WithLogs {
		out.Logs = sortedLogs(s.logs[id], LevelTrace)
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Execution, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Execution, 0, len(s.execs))
	for _, ex := range s.execs {
		if matchesFilter(ex, f) {
			matched = append(matched, ex)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := int64(len(matched))
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + f.limit()
	if end > len(matched) {
		end = len(matched)
	}
	page := make([]*Execution, 0, end-start)
	for _, ex := range matched[start:end] {
		page = append(page, copyExecution(ex))
	}
	return page, total, nil
}

func (s *MemoryStore) Recent(ctx context.Context, workflowID string, n int) ([]*Execution, error) {
	page, _, err := s.List(ctx, Filter{WorkflowID: workflowID, Limit: n})
	return page, err
}

func (s *MemoryStore) Stats(_ context.Context, workflowID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked(workflowID), nil
}

func (s *MemoryStore) GlobalStats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked(""), nil
}

func (s *MemoryStore) statsLocked(workflowID string) *Stats {
	st := &Stats{MinDurationMS: -1}
	var durSum, durCount int64
	for _, ex := range s.execs {
		if workflowID != "" && ex.WorkflowID != workflowID {
			continue
		}
		st.Total++
		switch ex.Status {
		case StatusSuccess:
			st.Succeeded++
		case StatusError, StatusTimeout:
			st.Failed++
		case StatusCanceled:
			st.Canceled++
		default:
			st.Running++
		}
		if ex.Status.Terminal() {
			durSum += ex.DurationMS
			durCount++
			if st.MinDurationMS < 0 || ex.DurationMS < st.MinDurationMS {
				st.MinDurationMS = ex.DurationMS
			}
			if ex.DurationMS > st.MaxDurationMS {
				st.MaxDurationMS = ex.DurationMS
			}
		}
		if st.LastExecution == nil || ex.StartedAt.After(*st.LastExecution) {
			started := ex.StartedAt
			st.LastExecution = &started
		}
	}
	if st.MinDurationMS < 0 {
		st.MinDurationMS = 0
	}
	if durCount > 0 {
		st.AvgDurationMS = float64(durSum) / float64(durCount)
	}
	if terminal := st.Succeeded + st.Failed + st.Canceled; terminal > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(terminal)
	}
	return st
}

func (s *MemoryStore) Logs(_ context.Context, executionID string, minLevel Level) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.execs[executionID]; !ok {
		return nil, ErrNotFound
	}
	return sortedLogs(s.logs[executionID], minLevel), nil
}

func (s *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, ex := range s.execs {
		if ex.StartedAt.Before(cutoff) {
			delete(s.execs, id)
			delete(s.nodes, id)
			delete(s.logs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

func matchesFilter(ex *Execution, f Filter) bool {
	if f.WorkflowID != "" && ex.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && ex.Status != f.Status {
		return false
	}
	if f.Environment != "" && !strings.EqualFold(ex.Environment, f.Environment) {
		return false
	}
	if !f.From.IsZero() && ex.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ex.StartedAt.After(f.To) {
		return false
	}
	return true
}

// sortedLogs orders entries by timestamp with insertion sequence breaking
// ties, filtering below minLevel.
func sortedLogs(entries []LogEntry, minLevel Level) []LogEntry {
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Level >= minLevel {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func copyExecution(ex *Execution) *Execution {
	out := *ex
	out.Nodes = nil
	out.Logs = nil
	if ex.Path != nil {
		out.Path = append([]string(nil), ex.Path...)
	}
	if ex.TriggerData != nil {
		td := make(map[string]any, len(ex.TriggerData))
		for k, v := range ex.TriggerData {
			td[k] = v
		}
		out.TriggerData = td
	}
	if ex.FinishedAt != nil {
		t := *ex.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func copyNodeExecution(ne *NodeExecution) *NodeExecution {
	out := *ne
	if ne.FinishedAt != nil {
		t := *ne.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
