package eventstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/mosaic-agent/internal/runstatus"
)

func started(runID string) runstatus.WebhookEvent {
	return runstatus.WebhookEvent{Flag: runstatus.FlagRunStarted, RunID: runID, SignatureValid: true}
}

func outputs(runID string, urls ...string) runstatus.WebhookEvent {
	ev := runstatus.WebhookEvent{Flag: runstatus.FlagOutputsFinished, RunID: runID, SignatureValid: true}
	for _, u := range urls {
		ev.Outputs = append(ev.Outputs, runstatus.Output{VideoURL: u})
	}
	return ev
}

func finished(runID, status string) runstatus.WebhookEvent {
	return runstatus.WebhookEvent{Flag: runstatus.FlagRunFinished, RunID: runID, Status: status, SignatureValid: true}
}

func TestRecord_AssignsSequenceAndApplies(t *testing.T) {
	s := New(Config{})

	ev1, st := s.Record(started("r1"))
	assert.Equal(t, uint64(1), ev1.Sequence)
	assert.NotEmpty(t, ev1.ID)
	assert.False(t, ev1.ReceivedAt.IsZero())
	assert.True(t, ev1.Changed)
	assert.Equal(t, runstatus.StateRunning, st.State)

	ev2, st := s.Record(outputs("r1", "https://cdn/a.mp4"))
	assert.Equal(t, uint64(2), ev2.Sequence)
	require.Len(t, st.Outputs, 1)

	ev3, _ := s.Record(started("r2"))
	assert.Equal(t, uint64(3), ev3.Sequence, "sequence is process-wide")
}

func TestRecord_LateEventsStoredButNoOp(t *testing.T) {
	s := New(Config{})
	s.Record(started("r1"))
	_, st := s.Record(finished("r1", "completed"))
	require.Equal(t, runstatus.StateCompleted, st.State)

	late, after := s.Record(outputs("r1", "https://cdn/late.mp4"))
	assert.False(t, late.Changed)
	assert.Equal(t, st, after)
	assert.Len(t, s.GetForRun("r1"), 3, "late event kept for audit")
}

func TestRecord_DuplicateOutputsMerged(t *testing.T) {
	s := New(Config{})
	s.Record(outputs("r1", "https://cdn/a.mp4"))
	s.Record(outputs("r1", "https://cdn/a.mp4"))

	st, ok := s.Status("r1")
	require.True(t, ok)
	assert.Len(t, st.Outputs, 1)
	assert.Len(t, s.GetForRun("r1"), 2)
}

func TestListRecent_BoundedNewestFirst(t *testing.T) {
	s := New(Config{HistorySize: 10})
	for i := 0; i < 25; i++ {
		s.Record(started(fmt.Sprintf("r%d", i)))
	}

	recent := s.ListRecent(0)
	require.Len(t, recent, 10)
	for i, ev := range recent {
		assert.Equal(t, uint64(25-i), ev.Sequence)
	}

	assert.Len(t, s.ListRecent(3), 3)
	assert.Len(t, s.ListRecent(100), 10, "limit never exceeds the bound")
	assert.Equal(t, uint64(25), s.ListRecent(3)[0].Sequence)
}

func TestGetForRun_BoundedPerRun(t *testing.T) {
	s := New(Config{PerRunSize: 5})
	for i := 0; i < 12; i++ {
		s.Record(outputs("r1", fmt.Sprintf("u%d", i)))
	}

	evs := s.GetForRun("r1")
	require.Len(t, evs, 5)
	assert.Equal(t, uint64(8), evs[0].Sequence, "oldest retained first")
	assert.Equal(t, uint64(12), evs[4].Sequence)
	assert.Equal(t, uint64(7), s.Stats().EvictedEvents)

	st, _ := s.Status("r1")
	assert.Len(t, st.Outputs, 12, "status keeps every output even when events are evicted")
}

func TestGetForRun_Unknown(t *testing.T) {
	assert.Nil(t, New(Config{}).GetForRun("nope"))
}

func TestMaxRuns_EvictsLeastRecentlyTouched(t *testing.T) {
	s := New(Config{MaxRuns: 2})
	s.Record(started("a"))
	s.Record(started("b"))
	s.Record(outputs("a", "u"))
	s.Record(started("c"))

	_, ok := s.Status("b")
	assert.False(t, ok, "b was least recently touched")
	_, ok = s.Status("a")
	assert.True(t, ok)
	_, ok = s.Status("c")
	assert.True(t, ok)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.EvictedRuns)
	assert.Equal(t, 2, st.TrackedRuns)

	statuses := s.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "c", statuses[0].RunID)
}

func TestApplySnapshot_SharesStatusWithEvents(t *testing.T) {
	s := New(Config{})
	s.Record(started("r1"))

	st := s.ApplySnapshot(runstatus.Snapshot{RunID: "r1", State: runstatus.StateCompleted, Outputs: []runstatus.Output{{VideoURL: "a"}}})
	assert.Equal(t, runstatus.StateCompleted, st.State)
	assert.False(t, st.LastUpdated.IsZero())

	ev, after := s.Record(finished("r1", "failed"))
	assert.False(t, ev.Changed)
	assert.Equal(t, runstatus.StateCompleted, after.State)
}

func TestTerminated(t *testing.T) {
	s := New(Config{})
	ch := s.Terminated("r1")
	select {
	case <-ch:
		t.Fatal("closed before terminal")
	default:
	}
	assert.Equal(t, ch, s.Terminated("r1"), "same channel for the same run")

	s.Record(started("r1"))
	s.Record(finished("r1", "completed"))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("not closed after terminal event")
	}

	select {
	case <-s.Terminated("r1"):
	default:
		t.Fatal("already-terminal run should return a closed channel")
	}
}

func TestTerminated_BySnapshot(t *testing.T) {
	s := New(Config{})
	ch := s.Terminated("r1")
	s.ApplySnapshot(runstatus.Snapshot{RunID: "r1", State: runstatus.StateFailed, Error: "x"})
	_, open := <-ch
	assert.False(t, open)
}

func TestTerminated_WaitersBoundedByMaxRuns(t *testing.T) {
	s := New(Config{MaxRuns: 2})
	for i := 0; i < 100; i++ {
		runID := fmt.Sprintf("r%d", i)
		s.Record(started(runID))
		s.Terminated(runID)
		s.Terminated(fmt.Sprintf("never-%d", i))
	}

	assert.Equal(t, 2, s.Stats().TrackedRuns)
	s.mu.RLock()
	waiters := len(s.waiters)
	s.mu.RUnlock()
	assert.LessOrEqual(t, waiters, 2)

	// A tracked run still wakes its waiter.
	ch := s.Terminated("r99")
	s.Record(finished("r99", "completed"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("tracked run did not release its waiter")
	}
}

func TestReject_BoundedByHistorySize(t *testing.T) {
	s := New(Config{HistorySize: 3})
	for i := 0; i < 5; i++ {
		s.Reject(Diagnostic{Reason: ReasonMalformedPayload, Detail: fmt.Sprintf("d%d", i)})
	}

	rej := s.ListRejected(0)
	require.Len(t, rej, 3)
	assert.Equal(t, "d4", rej[0].Detail)
	assert.NotEmpty(t, rej[0].ID)
	assert.Equal(t, uint64(5), s.Stats().Rejected)
	assert.Empty(t, s.ListRecent(0), "rejections never enter accepted history")
}

func TestReturnedEventsAreCopies(t *testing.T) {
	s := New(Config{})
	s.Record(outputs("r1", "a"))

	got := s.ListRecent(1)
	got[0].Outputs[0].VideoURL = "mutated"

	assert.Equal(t, "a", s.ListRecent(1)[0].Outputs[0].VideoURL)
	assert.Equal(t, "a", s.GetForRun("r1")[0].Outputs[0].VideoURL)
}

func TestConcurrentRecordAndRead(t *testing.T) {
	s := New(Config{HistorySize: 10, PerRunSize: 50})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Record(outputs(fmt.Sprintf("r%d", w%3), fmt.Sprintf("w%d-%d", w, i)))
				_ = s.ListRecent(5)
				_, _ = s.Status("r0")
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, uint64(800), s.Stats().Accepted)
	recent := s.ListRecent(0)
	require.Len(t, recent, 10)
	for i := 1; i < len(recent); i++ {
		assert.Greater(t, recent[i-1].Sequence, recent[i].Sequence)
	}
	for _, runID := range []string{"r0", "r1", "r2"} {
		assert.LessOrEqual(t, len(s.GetForRun(runID)), 50)
	}
}
