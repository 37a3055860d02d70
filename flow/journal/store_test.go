package journal_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/canalhq/canal/flow/journal"
)

var baseTime = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// runStoreSuite exercises the Store contract against a fresh store per
// subtest. Factories register their own cleanup.
func runStoreSuite(t *testing.T, open func(t *testing.T) journal.Store) {
	t.Run("ExecutionLifecycle", func(t *testing.T) { testExecutionLifecycle(t, open(t)) })
	t.Run("NodeExecutions", func(t *testing.T) { testNodeExecutions(t, open(t)) })
	t.Run("Listing", func(t *testing.T) { testListing(t, open(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, open(t)) })
	t.Run("Logs", func(t *testing.T) { testLogs(t, open(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, open(t)) })
}

func seedExecution(t *testing.T, s journal.Store, id, workflowID string, started time.Time) *journal.Execution {
	t.Helper()
	ex := &journal.Execution{
		ID:           id,
		WorkflowID:   workflowID,
		WorkflowName: "Orders",
		Environment:  "testing",
		Status:       journal.StatusRunning,
		StartedAt:    started,
		TriggerMode:  "manual",
	}
	if err := s.CreateExecution(context.Background(), ex); err != nil {
		t.Fatalf("CreateExecution(%s): %v", id, err)
	}
	return ex
}

func finishAs(t *testing.T, s journal.Store, ex *journal.Execution, status journal.Status, durationMS int64) {
	t.Helper()
	fin := ex.StartedAt.Add(time.Duration(durationMS) * time.Millisecond)
	ex.Status = status
	ex.FinishedAt = &fin
	ex.DurationMS = durationMS
	if err := s.FinishExecution(context.Background(), ex); err != nil {
		t.Fatalf("FinishExecution(%s): %v", ex.ID, err)
	}
}

func testExecutionLifecycle(t *testing.T, s journal.Store) {
	ctx := context.Background()

	ex := &journal.Execution{
		ID:           "exec-1",
		WorkflowID:   "wf-1",
		WorkflowName: "Orders",
		Environment:  "testing",
		Status:       journal.StatusRunning,
		StartedAt:    baseTime,
		TriggerMode:  "webhook",
		TriggerData:  map[string]any{"source": "api", "attempt": float64(2)},
	}
	if err := s.CreateExecution(ctx, ex); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.CreateExecution(ctx, ex); err == nil {
		t.Fatal("CreateExecution with duplicate id should fail")
	}

	if _, err := s.Execution(ctx, "ghost", journal.LoadOpts{}); !errors.Is(err, journal.ErrNotFound) {
		t.Fatalf("Execution(ghost) error = %v, want ErrNotFound", err)
	}

	got, err := s.Execution(ctx, "exec-1", journal.LoadOpts{})
	if err != nil {
		t.Fatalf("Execution: %v", err)
	}
	if got.Status != journal.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if !got.StartedAt.Equal(baseTime) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, baseTime)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}
	if !reflect.DeepEqual(got.TriggerData, ex.TriggerData) {
		t.Errorf("TriggerData = %#v, want %#v", got.TriggerData, ex.TriggerData)
	}

	fin := baseTime.Add(1500 * time.Millisecond)
	ex.Status = journal.StatusSuccess
	ex.FinishedAt = &fin
	ex.DurationMS = 1500
	ex.NodesExecuted = 3
	ex.NodesSkipped = 1
	ex.Path = []string{"start", "set", "merge"}
	if err := s.FinishExecution(ctx, ex); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}

	got, err = s.Execution(ctx, "exec-1", journal.LoadOpts{})
	if err != nil {
		t.Fatalf("Execution after finish: %v", err)
	}
	if got.Status != journal.StatusSuccess {
		t.Errorf("Status = %q, want success", got.Status)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(fin) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, fin)
	}
	if got.DurationMS != 1500 || got.NodesExecuted != 3 || got.NodesSkipped != 1 {
		t.Errorf("counters = (%d, %d, %d), want (1500, 3, 1)",
			got.DurationMS, got.NodesExecuted, got.NodesSkipped)
	}
	if !reflect.DeepEqual(got.Path, []string{"start", "set", "merge"}) {
		t.Errorf("Path = %v", got.Path)
	}

	// A terminal execution never transitions again.
	ex.Status = journal.StatusCanceled
	if err := s.FinishExecution(ctx, ex); err == nil {
		t.Fatal("FinishExecution on terminal execution should fail")
	}
	got, _ = s.Execution(ctx, "exec-1", journal.LoadOpts{})
	if got.Status != journal.StatusSuccess {
		t.Errorf("Status after refused finish = %q, want success", got.Status)
	}

	if err := s.FinishExecution(ctx, &journal.Execution{ID: "ghost"}); !errors.Is(err, journal.ErrNotFound) {
		t.Fatalf("FinishExecution(ghost) error = %v, want ErrNotFound", err)
	}
}

func testNodeExecutions(t *testing.T, s journal.Store) {
	ctx := context.Background()
	seedExecution(t, s, "exec-1", "wf-1", baseTime)

	if err := s.CreateNodeExecution(ctx, &journal.NodeExecution{
		ID: "node-x", ExecutionID: "ghost", NodeID: "n1",
		Status: journal.NodeRunning, StartedAt: baseTime,
	}); !errors.Is(err, journal.ErrNotFound) {
		t.Fatalf("CreateNodeExecution(ghost) error = %v, want ErrNotFound", err)
	}

	for i, id := range []string{"row-1", "row-2", "row-3"} {
		ne := &journal.NodeExecution{
			ID:          id,
			ExecutionID: "exec-1",
			NodeID:      "n" + id[4:],
			NodeName:    "Node " + id[4:],
			Status:      journal.NodeRunning,
			StartedAt:   baseTime.Add(time.Duration(i+1) * 10 * time.Millisecond),
			Order:       i,
		}
		if err := s.CreateNodeExecution(ctx, ne); err != nil {
			t.Fatalf("CreateNodeExecution(%s): %v", id, err)
		}
	}

	fin := baseTime.Add(60 * time.Millisecond)
	upd := &journal.NodeExecution{
		ID:          "row-2",
		ExecutionID: "exec-1",
		NodeID:      "n2",
		NodeName:    "Node 2",
		Status:      journal.NodeSuccess,
		StartedAt:   baseTime.Add(20 * time.Millisecond),
		FinishedAt:  &fin,
		Input:       map[string]any{"value": float64(42)},
		Output:      map[string]any{"x": float64(3)},
		RetryCount:  2,
		DurationMS:  40,
		Order:       1,
	}
	if err := s.UpdateNodeExecution(ctx, upd); err != nil {
		t.Fatalf("UpdateNodeExecution: %v", err)
	}
	if err := s.UpdateNodeExecution(ctx, &journal.NodeExecution{
		ID: "ghost", ExecutionID: "exec-1",
	}); !errors.Is(err, journal.ErrNotFound) {
		t.Fatalf("UpdateNodeExecution(ghost) error = %v, want ErrNotFound", err)
	}

	got, err := s.Execution(ctx, "exec-1", journal.LoadOpts{WithNodes: true})
	if err != nil {
		t.Fatalf("Execution: %v", err)
	}
	if len(got.Nodes) != 3 {
		t.Fatalf("len(Nodes) = %d, want 3", len(got.Nodes))
	}
	for i, wantID := range []string{"row-1", "row-2", "row-3"} {
		if got.Nodes[i].ID != wantID {
			t.Errorf("Nodes[%d].ID = %q, want %q", i, got.Nodes[i].ID, wantID)
		}
		if got.Nodes[i].Order != i {
			t.Errorf("Nodes[%d].Order = %d, want %d", i, got.Nodes[i].Order, i)
		}
	}
	row2 := got.Nodes[1]
	if row2.Status != journal.NodeSuccess || row2.RetryCount != 2 || row2.DurationMS != 40 {
		t.Errorf("row-2 = %+v", row2)
	}
	if row2.FinishedAt == nil || !row2.FinishedAt.Equal(fin) {
		t.Errorf("row-2 FinishedAt = %v, want %v", row2.FinishedAt, fin)
	}
	if !reflect.DeepEqual(row2.Output, map[string]any{"x": float64(3)}) {
		t.Errorf("row-2 Output = %#v", row2.Output)
	}
	if !reflect.DeepEqual(row2.Input, map[string]any{"value": float64(42)}) {
		t.Errorf("row-2 Input = %#v", row2.Input)
	}
}

func testListing(t *testing.T, s journal.Store) {
	ctx := context.Background()

	e1 := seedExecution(t, s, "exec-1", "wf-a", baseTime)
	e2 := seedExecution(t, s, "exec-2", "wf-a", baseTime.Add(1*time.Minute))
	seedExecution(t, s, "exec-3", "wf-a", baseTime.Add(2*time.Minute))
	e4 := seedExecution(t, s, "exec-4", "wf-b", baseTime.Add(3*time.Minute))
	e5 := seedExecution(t, s, "exec-5", "wf-b", baseTime.Add(4*time.Minute))

	finishAs(t, s, e1, journal.StatusSuccess, 100)
	finishAs(t, s, e2, journal.StatusError, 200)
	finishAs(t, s, e4, journal.StatusSuccess, 300)
	finishAs(t, s, e5, journal.StatusCanceled, 50)

	all, total, err := s.List(ctx, journal.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(all) != 5 {
		t.Fatalf("List = %d rows, total %d, want 5/5", len(all), total)
	}
	wantOrder := []string{"exec-5", "exec-4", "exec-3", "exec-2", "exec-1"}
	for i, want := range wantOrder {
		if all[i].ID != want {
			t.Errorf("all[%d].ID = %q, want %q", i, all[i].ID, want)
		}
	}

	_, total, err = s.List(ctx, journal.Filter{WorkflowID: "wf-a"})
	if err != nil || total != 3 {
		t.Errorf("List(wf-a) total = %d, err %v, want 3", total, err)
	}

	byStatus, total, err := s.List(ctx, journal.Filter{Status: journal.StatusSuccess})
	if err != nil || total != 2 {
		t.Errorf("List(success) total = %d, err %v, want 2", total, err)
	}
	for _, ex := range byStatus {
		if ex.Status != journal.StatusSuccess {
			t.Errorf("List(success) returned %q", ex.Status)
		}
	}

	window, total, err := s.List(ctx, journal.Filter{
		From: baseTime.Add(1 * time.Minute),
		To:   baseTime.Add(3 * time.Minute),
	})
	if err != nil || total != 3 {
		t.Errorf("List(window) total = %d, err %v, want 3", total, err)
	}
	if len(window) != 3 || window[0].ID != "exec-4" || window[2].ID != "exec-2" {
		t.Errorf("List(window) = %v", ids(window))
	}

	page, total, err := s.List(ctx, journal.Filter{Limit: 2})
	if err != nil || total != 5 || len(page) != 2 {
		t.Fatalf("List(limit 2) = %d rows, total %d, err %v", len(page), total, err)
	}
	if page[0].ID != "exec-5" || page[1].ID != "exec-4" {
		t.Errorf("page 1 = %v", ids(page))
	}
	page, _, err = s.List(ctx, journal.Filter{Limit: 2, Offset: 4})
	if err != nil || len(page) != 1 || page[0].ID != "exec-1" {
		t.Errorf("page 3 = %v, err %v", ids(page), err)
	}

	recent, err := s.Recent(ctx, "wf-a", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "exec-3" || recent[1].ID != "exec-2" {
		t.Errorf("Recent(wf-a, 2) = %v", ids(recent))
	}

	if err := s.CreateExecution(ctx, &journal.Execution{
		ID: "exec-6", WorkflowID: "wf-c", Environment: "launched",
		Status: journal.StatusRunning, StartedAt: baseTime.Add(5 * time.Minute),
	}); err != nil {
		t.Fatalf("CreateExecution(exec-6): %v", err)
	}
	byEnv, total, err := s.List(ctx, journal.Filter{Environment: "launched"})
	if err != nil || total != 1 || len(byEnv) != 1 || byEnv[0].ID != "exec-6" {
		t.Errorf("List(launched) = %v, total %d, err %v", ids(byEnv), total, err)
	}
}

func ids(execs []*journal.Execution) []string {
	out := make([]string, len(execs))
	for i, ex := range execs {
		out[i] = ex.ID
	}
	return out
}

func testStats(t *testing.T, s journal.Store) {
	ctx := context.Background()

	empty, err := s.GlobalStats(ctx)
	if err != nil {
		t.Fatalf("GlobalStats(empty): %v", err)
	}
	if empty.Total != 0 || empty.SuccessRate != 0 || empty.LastExecution != nil {
		t.Errorf("empty stats = %+v", empty)
	}

	e1 := seedExecution(t, s, "exec-1", "wf-a", baseTime)
	e2 := seedExecution(t, s, "exec-2", "wf-a", baseTime.Add(1*time.Minute))
	e3 := seedExecution(t, s, "exec-3", "wf-a", baseTime.Add(2*time.Minute))
	e4 := seedExecution(t, s, "exec-4", "wf-b", baseTime.Add(3*time.Minute))
	seedExecution(t, s, "exec-5", "wf-b", baseTime.Add(4*time.Minute))

	finishAs(t, s, e1, journal.StatusSuccess, 100)
	finishAs(t, s, e2, journal.StatusSuccess, 300)
	finishAs(t, s, e3, journal.StatusError, 200)
	finishAs(t, s, e4, journal.StatusCanceled, 50)

	st, err := s.Stats(ctx, "wf-a")
	if err != nil {
		t.Fatalf("Stats(wf-a): %v", err)
	}
	if st.Total != 3 || st.Succeeded != 2 || st.Failed != 1 || st.Canceled != 0 {
		t.Errorf("wf-a counts = %+v", st)
	}
	if st.AvgDurationMS != 200 || st.MinDurationMS != 100 || st.MaxDurationMS != 300 {
		t.Errorf("wf-a durations = avg %v min %v max %v", st.AvgDurationMS, st.MinDurationMS, st.MaxDurationMS)
	}
	if want := 2.0 / 3.0; st.SuccessRate != want {
		t.Errorf("wf-a SuccessRate = %v, want %v", st.SuccessRate, want)
	}
	if st.LastExecution == nil || !st.LastExecution.Equal(baseTime.Add(2*time.Minute)) {
		t.Errorf("wf-a LastExecution = %v", st.LastExecution)
	}

	global, err := s.GlobalStats(ctx)
	if err != nil {
		t.Fatalf("GlobalStats: %v", err)
	}
	if global.Total != 5 || global.Succeeded != 2 || global.Failed != 1 ||
		global.Canceled != 1 || global.Running != 1 {
		t.Errorf("global counts = %+v", global)
	}
	if global.AvgDurationMS != 162.5 || global.MinDurationMS != 50 || global.MaxDurationMS != 300 {
		t.Errorf("global durations = avg %v min %v max %v",
			global.AvgDurationMS, global.MinDurationMS, global.MaxDurationMS)
	}
	if global.SuccessRate != 0.5 {
		t.Errorf("global SuccessRate = %v, want 0.5", global.SuccessRate)
	}
	if global.LastExecution == nil || !global.LastExecution.Equal(baseTime.Add(4*time.Minute)) {
		t.Errorf("global LastExecution = %v", global.LastExecution)
	}
}

func testLogs(t *testing.T, s journal.Store) {
	ctx := context.Background()

	if _, err := s.Logs(ctx, "ghost", journal.LevelTrace); !errors.Is(err, journal.ErrNotFound) {
		t.Fatalf("Logs(ghost) error = %v, want ErrNotFound", err)
	}

	seedExecution(t, s, "exec-1", "wf-1", baseTime)

	// Appended out of timestamp order on purpose.
	entries := []journal.LogEntry{
		{ID: "log-3", ExecutionID: "exec-1", Timestamp: baseTime.Add(20 * time.Millisecond),
			Seq: 2, Level: journal.LevelError, Message: "boom", NodeID: "n2"},
		{ID: "log-1", ExecutionID: "exec-1", Timestamp: baseTime.Add(10 * time.Millisecond),
			Seq: 0, Level: journal.LevelInfo, Message: "start",
			Metadata: map[string]any{"mode": "manual"}},
		{ID: "log-2", ExecutionID: "exec-1", Timestamp: baseTime.Add(10 * time.Millisecond),
			Seq: 1, Level: journal.LevelDebug, Message: "detail"},
	}
	if err := s.AppendLogs(ctx, entries); err != nil {
		t.Fatalf("AppendLogs: %v", err)
	}

	all, err := s.Logs(ctx, "exec-1", journal.LevelTrace)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if got := messages(all); !reflect.DeepEqual(got, []string{"start", "detail", "boom"}) {
		t.Errorf("ordered messages = %v", got)
	}
	if !reflect.DeepEqual(all[0].Metadata, map[string]any{"mode": "manual"}) {
		t.Errorf("Metadata = %#v", all[0].Metadata)
	}
	if all[2].Level != journal.LevelError || all[2].NodeID != "n2" {
		t.Errorf("error entry = %+v", all[2])
	}

	infoUp, err := s.Logs(ctx, "exec-1", journal.LevelInfo)
	if err != nil {
		t.Fatalf("Logs(info): %v", err)
	}
	if got := messages(infoUp); !reflect.DeepEqual(got, []string{"start", "boom"}) {
		t.Errorf("info+ messages = %v", got)
	}

	loaded, err := s.Execution(ctx, "exec-1", journal.LoadOpts{WithLogs: true})
	if err != nil {
		t.Fatalf("Execution(WithLogs): %v", err)
	}
	if got := messages(loaded.Logs); !reflect.DeepEqual(got, []string{"start", "detail", "boom"}) {
		t.Errorf("WithLogs messages = %v", got)
	}
}

func messages(entries []journal.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func testPurge(t *testing.T, s journal.Store) {
	ctx := context.Background()

	for i, id := range []string{"exec-1", "exec-2", "exec-3"} {
		ex := seedExecution(t, s, id, "wf-1", baseTime.Add(time.Duration(i)*time.Hour))
		finishAs(t, s, ex, journal.StatusSuccess, 10)
		if err := s.CreateNodeExecution(ctx, &journal.NodeExecution{
			ID: id + "-n", ExecutionID: id, NodeID: "n1",
			Status: journal.NodeSuccess, StartedAt: ex.StartedAt,
		}); err != nil {
			t.Fatalf("CreateNodeExecution(%s): %v", id, err)
		}
		if err := s.AppendLogs(ctx, []journal.LogEntry{{
			ID: id + "-l", ExecutionID: id, Timestamp: ex.StartedAt,
			Level: journal.LevelInfo, Message: "hi",
		}}); err != nil {
			t.Fatalf("AppendLogs(%s): %v", id, err)
		}
	}

	removed, err := s.PurgeBefore(ctx, baseTime.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, err := s.Execution(ctx, "exec-1", journal.LoadOpts{}); !errors.Is(err, journal.ErrNotFound) {
		t.Errorf("exec-1 after purge: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Logs(ctx, "exec-2", journal.LevelTrace); !errors.Is(err, journal.ErrNotFound) {
		t.Errorf("exec-2 logs after purge: err = %v, want ErrNotFound", err)
	}

	kept, err := s.Execution(ctx, "exec-3", journal.LoadOpts{WithNodes: true, WithLogs: true})
	if err != nil {
		t.Fatalf("exec-3 after purge: %v", err)
	}
	if len(kept.Nodes) != 1 || len(kept.Logs) != 1 {
		t.Errorf("exec-3 children = %d nodes, %d logs, want 1/1", len(kept.Nodes), len(kept.Logs))
	}

	removed, err = s.PurgeBefore(ctx, baseTime.Add(90*time.Minute))
	if err != nil || removed != 0 {
		t.Errorf("second purge = %d, err %v, want 0", removed, err)
	}
}
