package runstatus

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func event(flag Flag, status string, urls ...string) WebhookEvent {
	ev := WebhookEvent{Flag: flag, RunID: "run-1", AgentID: "agent-1", Status: status, ReceivedAt: t0}
	for _, u := range urls {
		ev.Outputs = append(ev.Outputs, Output{VideoURL: u})
	}
	return ev
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want State
	}{
		{"pending", StatePending},
		{"QUEUED", StatePending},
		{"running", StateRunning},
		{"processing", StateRunning},
		{" completed ", StateCompleted},
		{"succeeded", StateCompleted},
		{"failed", StateFailed},
		{"cancelled", StateFailed},
		{"", StateUnknown},
		{"weird", StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseState(tt.in))
		})
	}
}

func TestApplyEvent_RunStartedCreatesRunning(t *testing.T) {
	st, changed := ApplyEvent(nil, event(FlagRunStarted, "running"))
	assert.True(t, changed)
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, "agent-1", st.AgentID)
	assert.Equal(t, StateRunning, st.State)
	assert.Empty(t, st.Outputs)
	assert.Equal(t, t0, st.LastUpdated)

	again, changed := ApplyEvent(&st, event(FlagRunStarted, "running"))
	assert.False(t, changed, "second RUN_STARTED is a no-op")
	assert.Equal(t, st, again)
}

func TestApplyEvent_RunStartedPromotesPending(t *testing.T) {
	pending := ApplySnapshot(nil, Snapshot{RunID: "run-1", State: StatePending, ObservedAt: t0})
	st, changed := ApplyEvent(&pending, event(FlagRunStarted, "running"))
	assert.True(t, changed)
	assert.Equal(t, StateRunning, st.State)
}

func TestApplyEvent_DuplicateOutputsMerged(t *testing.T) {
	st, _ := ApplyEvent(nil, event(FlagRunStarted, "running"))
	st, changed := ApplyEvent(&st, event(FlagOutputsFinished, "running", "https://cdn/a.mp4"))
	assert.True(t, changed)
	st, changed = ApplyEvent(&st, event(FlagOutputsFinished, "running", "https://cdn/a.mp4"))
	assert.False(t, changed)

	require.Len(t, st.Outputs, 1)
	assert.Equal(t, "https://cdn/a.mp4", st.Outputs[0].VideoURL)
	assert.Equal(t, StateRunning, st.State)
}

func TestApplyEvent_OutputsWithoutURLDiscarded(t *testing.T) {
	ev := event(FlagOutputsFinished, "running")
	ev.Outputs = []Output{{ThumbnailURL: "https://cdn/t.jpg"}}
	st, _ := ApplyEvent(nil, ev)
	assert.Empty(t, st.Outputs)
}

func TestApplyEvent_RunFinished(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		st, _ := ApplyEvent(nil, event(FlagRunStarted, "running"))
		st, changed := ApplyEvent(&st, event(FlagRunFinished, "completed", "https://cdn/final.mp4"))
		assert.True(t, changed)
		assert.Equal(t, StateCompleted, st.State)
		assert.Empty(t, st.Error)
		require.Len(t, st.Outputs, 1)
	})

	t.Run("failed with error", func(t *testing.T) {
		ev := event(FlagRunFinished, "failed")
		ev.Error = "transcode exploded"
		st, _ := ApplyEvent(nil, ev)
		assert.Equal(t, StateFailed, st.State)
		assert.Equal(t, "transcode exploded", st.Error)
	})

	for _, status := range []string{"success", "finished", "succeeded", "Completed", ""} {
		t.Run("non-literal "+status, func(t *testing.T) {
			st, _ := ApplyEvent(nil, event(FlagRunFinished, status))
			assert.Equal(t, StateFailed, st.State)
			assert.Equal(t, fmt.Sprintf("run finished with status %q", status), st.Error)
		})
	}

	t.Run("failed without error message", func(t *testing.T) {
		st, _ := ApplyEvent(nil, event(FlagRunFinished, "cancelled"))
		assert.Equal(t, StateFailed, st.State)
		assert.Equal(t, `run finished with status "cancelled"`, st.Error)
	})
}

func TestApplyEvent_LateEventsAreNoOps(t *testing.T) {
	st, _ := ApplyEvent(nil, event(FlagRunFinished, "completed", "https://cdn/final.mp4"))

	for _, late := range []WebhookEvent{
		event(FlagOutputsFinished, "running", "https://cdn/late.mp4"),
		event(FlagRunStarted, "running"),
		event(FlagRunFinished, "failed"),
	} {
		next, changed := ApplyEvent(&st, late)
		assert.False(t, changed, "flag %s", late.Flag)
		assert.Equal(t, st, next)
	}
}

func TestApplyEvent_UnknownFlag(t *testing.T) {
	st, changed := ApplyEvent(nil, event(Flag("BOGUS"), ""))
	assert.False(t, changed)
	assert.Equal(t, StateUnknown, st.State)
}

func TestApplySnapshot(t *testing.T) {
	st := ApplySnapshot(nil, Snapshot{RunID: "run-1", State: StateRunning, ObservedAt: t0})
	assert.Equal(t, StateRunning, st.State)

	t.Run("never regresses", func(t *testing.T) {
		next := ApplySnapshot(&st, Snapshot{RunID: "run-1", State: StatePending, ObservedAt: t0.Add(time.Second)})
		assert.Equal(t, StateRunning, next.State)
	})

	t.Run("unknown does not override", func(t *testing.T) {
		next := ApplySnapshot(&st, Snapshot{RunID: "run-1", State: StateUnknown})
		assert.Equal(t, StateRunning, next.State)
	})

	t.Run("failed keeps error", func(t *testing.T) {
		next := ApplySnapshot(&st, Snapshot{RunID: "run-1", State: StateFailed, Error: "boom", ObservedAt: t0})
		assert.Equal(t, StateFailed, next.State)
		assert.Equal(t, "boom", next.Error)
	})

	t.Run("error ignored while running", func(t *testing.T) {
		next := ApplySnapshot(&st, Snapshot{RunID: "run-1", State: StateRunning, Error: "transient"})
		assert.Empty(t, next.Error)
	})

	t.Run("does not alias input", func(t *testing.T) {
		withOut := ApplySnapshot(&st, Snapshot{RunID: "run-1", State: StateRunning, Outputs: []Output{{VideoURL: "a"}}})
		require.Len(t, withOut.Outputs, 1)
		assert.Empty(t, st.Outputs)
	})
}

func TestSnapshotAndEventAgreeOnTerminalState(t *testing.T) {
	snap := Snapshot{RunID: "run-1", State: StateCompleted, Outputs: []Output{{VideoURL: "a"}}, ObservedAt: t0}
	ev := event(FlagOutputsFinished, "running", "b")

	viaSnapFirst := ApplySnapshot(nil, snap)
	viaSnapFirst, _ = ApplyEvent(&viaSnapFirst, ev)

	viaEventFirst, _ := ApplyEvent(nil, ev)
	viaEventFirst = ApplySnapshot(&viaEventFirst, snap)

	assert.Equal(t, StateCompleted, viaSnapFirst.State)
	assert.Equal(t, StateCompleted, viaEventFirst.State)
	assert.Equal(t, []string{"a"}, urls(viaSnapFirst))
	assert.Equal(t, []string{"a", "b"}, sorted(urls(viaEventFirst)))
}

func urls(st RunStatus) []string {
	out := make([]string, 0, len(st.Outputs))
	for _, o := range st.Outputs {
		out = append(out, o.VideoURL)
	}
	return out
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

// specEvents turns generator ints into pre-terminal events: 0 is
// RUN_STARTED, anything else is OUTPUTS_FINISHED carrying url u<n>.
func specEvents(specs []int) []WebhookEvent {
	evs := make([]WebhookEvent, 0, len(specs))
	for i, n := range specs {
		var ev WebhookEvent
		if n == 0 {
			ev = event(FlagRunStarted, "running")
		} else {
			ev = event(FlagOutputsFinished, "running", fmt.Sprintf("u%d", n))
		}
		ev.ReceivedAt = t0.Add(time.Duration(i) * time.Second)
		evs = append(evs, ev)
	}
	return evs
}

func applyAll(evs []WebhookEvent) RunStatus {
	var st *RunStatus
	for _, ev := range evs {
		next, _ := ApplyEvent(st, ev)
		st = &next
	}
	return *st
}

func TestReorderedEventsReachSameTerminalStatus(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("pre-terminal reordering yields same terminal status", prop.ForAll(
		func(pre []int, post []int, completed bool, seed int64) bool {
			status := "failed"
			if completed {
				status = "completed"
			}
			finished := event(FlagRunFinished, status, "final")

			received := append(append(specEvents(pre), finished), specEvents(post)...)

			shuffled := specEvents(pre)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			reordered := append(append(shuffled, finished), specEvents(post)...)

			a, b := applyAll(received), applyAll(reordered)
			return a.State == b.State &&
				a.Error == b.Error &&
				a.State.Terminal() &&
				fmt.Sprint(sorted(urls(a))) == fmt.Sprint(sorted(urls(b)))
		},
		gen.SliceOf(gen.IntRange(0, 6)),
		gen.SliceOf(gen.IntRange(0, 6)),
		gen.Bool(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestTerminalStatusIsStable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	states := []State{StatePending, StateRunning, StateCompleted, StateFailed, StateUnknown}

	properties.Property("no application changes a terminal status", prop.ForAll(
		func(ops []int, completed bool) bool {
			status := "failed"
			if completed {
				status = "completed"
			}
			terminal, _ := ApplyEvent(nil, event(FlagRunFinished, status, "final"))
			want := terminal.Clone()

			st := terminal
			for i, op := range ops {
				url := fmt.Sprintf("late-%d", i)
				if op%2 == 0 {
					flag := []Flag{FlagRunStarted, FlagOutputsFinished, FlagRunFinished}[op/2%3]
					st, _ = ApplyEvent(&st, event(flag, "completed", url))
				} else {
					st = ApplySnapshot(&st, Snapshot{
						RunID:   "run-1",
						State:   states[op%len(states)],
						Outputs: []Output{{VideoURL: url}},
						Error:   "late error",
					})
				}
			}
			return st.State == want.State &&
				st.Error == want.Error &&
				fmt.Sprint(urls(st)) == fmt.Sprint(urls(want)) &&
				st.LastUpdated.Equal(want.LastUpdated)
		},
		gen.SliceOf(gen.IntRange(0, 11)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
