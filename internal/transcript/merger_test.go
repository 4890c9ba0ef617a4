package transcript

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock returns a clock that advances by step on every reading.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		t := now
		now = now.Add(step)
		return t
	}
}

func TestApply_SingleUtterancePerID(t *testing.T) {
	m := NewMerger()

	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hel"})
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hell"})
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hello", Final: true})

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(snap))
	}
	if snap[0].Text != "hello" {
		t.Errorf("expected text 'hello', got %q", snap[0].Text)
	}
	if !snap[0].Finalized {
		t.Error("expected utterance to be finalized")
	}
}

func TestApply_LastEventWins(t *testing.T) {
	m := NewMerger()

	m.Apply(SpeakerAgent, SegmentEvent{ID: "a1", Text: "Sure", Final: true})
	m.Apply(SpeakerAgent, SegmentEvent{ID: "a1", Text: "Sure, let's begin"})

	snap := m.Snapshot()
	if snap[0].Text != "Sure, let's begin" {
		t.Errorf("expected last-applied text, got %q", snap[0].Text)
	}
	// Finalized latches; a trailing partial does not un-finalize.
	if !snap[0].Finalized {
		t.Error("expected finalized to remain true")
	}
}

func TestApply_OrderByFirstSeenTime(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMerger(WithClock(fakeClock(base, time.Millisecond)))

	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hel"})    // t=0
	m.Apply(SpeakerAgent, SegmentEvent{ID: "a1", Text: "Sure"})  // t=1
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hello"})  // update, much later
	m.Apply(SpeakerUser, SegmentEvent{ID: "u2", Text: "thanks"}) // t=3

	snap := m.Snapshot()
	want := []string{"u1", "a1", "u2"}
	if len(snap) != len(want) {
		t.Fatalf("expected %d utterances, got %d", len(want), len(snap))
	}
	for i, id := range want {
		if snap[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, snap[i].ID)
		}
	}
	if snap[0].Text != "hello" {
		t.Errorf("expected updated text 'hello', got %q", snap[0].Text)
	}
}

// Out-of-order scenario: a late update to an earlier utterance must not
// reorder the timeline.
func TestApply_LateUpdateDoesNotReorder(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMerger(WithClock(fakeClock(base, 50*time.Millisecond)))

	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hel"})
	m.Apply(SpeakerAgent, SegmentEvent{ID: "a1", Text: "Sure"})
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hello", Final: true})

	snap := m.Snapshot()
	if snap[0].ID != "u1" || snap[1].ID != "a1" {
		t.Fatalf("expected order [u1 a1], got [%s %s]", snap[0].ID, snap[1].ID)
	}
	if snap[0].Text != "hello" {
		t.Errorf("expected 'hello', got %q", snap[0].Text)
	}
}

func TestApply_ReceivedAtAssignedOnce(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMerger(WithClock(fakeClock(base, time.Second)))

	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "a"})
	first := m.Snapshot()[0].ReceivedAt

	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "ab"})
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "abc", Final: true})

	if got := m.Snapshot()[0].ReceivedAt; !got.Equal(first) {
		t.Errorf("ReceivedAt changed from %v to %v", first, got)
	}
}

func TestApply_TiesBrokenByInsertionOrder(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	// Zero step: every utterance gets the same ReceivedAt.
	m := NewMerger(WithClock(func() time.Time { return base }))

	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "one"})
	m.Apply(SpeakerAgent, SegmentEvent{ID: "a1", Text: "two"})
	m.Apply(SpeakerUser, SegmentEvent{ID: "u2", Text: "three"})

	snap := m.Snapshot()
	want := []string{"u1", "a1", "u2"}
	for i, id := range want {
		if snap[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, snap[i].ID)
		}
	}
}

func TestApply_MalformedEventDropped(t *testing.T) {
	m := NewMerger()

	m.Apply(SpeakerUser, SegmentEvent{Text: "no id here"})
	if m.Len() != 0 {
		t.Fatalf("expected empty transcript, got %d entries", m.Len())
	}
	if m.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", m.Dropped())
	}

	// Processing continues for the next valid event.
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hello"})
	if m.Len() != 1 {
		t.Errorf("expected 1 utterance after valid event, got %d", m.Len())
	}
}

func TestApply_SpeakerFromChannel(t *testing.T) {
	m := NewMerger()
	m.Apply(SpeakerAgent, SegmentEvent{ID: "a1", Text: "hi"})
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hey"})

	snap := m.Snapshot()
	if snap[0].Speaker != SpeakerAgent {
		t.Errorf("expected agent speaker, got %s", snap[0].Speaker)
	}
	if snap[1].Speaker != SpeakerUser {
		t.Errorf("expected user speaker, got %s", snap[1].Speaker)
	}
}

func TestOnFinal_FiredOncePerUtterance(t *testing.T) {
	var mu sync.Mutex
	var finals []string

	m := NewMerger(WithOnFinal(func(u Utterance) {
		mu.Lock()
		finals = append(finals, u.ID+":"+u.Text)
		mu.Unlock()
	}))

	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hel"})
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hello", Final: true})
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hello", Final: true}) // repeat final
	m.Apply(SpeakerAgent, SegmentEvent{ID: "a1", Text: "Sure", Final: true}) // final on first sight

	mu.Lock()
	defer mu.Unlock()
	if len(finals) != 2 {
		t.Fatalf("expected 2 final callbacks, got %d (%v)", len(finals), finals)
	}
	if finals[0] != "u1:hello" || finals[1] != "a1:Sure" {
		t.Errorf("unexpected finals %v", finals)
	}
}

func TestConsume_DrainsBothChannelsConcurrently(t *testing.T) {
	m := NewMerger()

	agentCh := make(chan SegmentEvent)
	userCh := make(chan SegmentEvent)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.Consume(SpeakerAgent, agentCh) }()
	go func() { defer wg.Done(); m.Consume(SpeakerUser, userCh) }()

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			agentCh <- SegmentEvent{ID: fmt.Sprintf("a%d", i), Text: "x", Final: true}
		}
		close(agentCh)
	}()
	go func() {
		for i := 0; i < n; i++ {
			userCh <- SegmentEvent{ID: fmt.Sprintf("u%d", i), Text: "y", Final: true}
		}
		close(userCh)
	}()

	wg.Wait()

	if m.Len() != 2*n {
		t.Fatalf("expected %d utterances, got %d", 2*n, m.Len())
	}

	// Timeline must be sorted by (ReceivedAt, insertion order).
	snap := m.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].ReceivedAt.Before(snap[i-1].ReceivedAt) {
			t.Fatalf("timeline out of order at %d", i)
		}
	}
}

func TestReset_ClearsTranscript(t *testing.T) {
	m := NewMerger()
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hello", Final: true})
	m.Reset()

	if m.Len() != 0 {
		t.Errorf("expected empty transcript after reset, got %d", m.Len())
	}

	// Ids from the previous session create fresh slots.
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "again"})
	if m.Len() != 1 {
		t.Errorf("expected 1 utterance, got %d", m.Len())
	}
}

func TestSubscribe_SignalsOnChange(t *testing.T) {
	m := NewMerger()
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hello"})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected change signal")
	}
}

func TestSubscribe_UnsubscribeClosesChannel(t *testing.T) {
	m := NewMerger()
	ch, unsubscribe := m.Subscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// Further merges must not panic with no subscribers.
	m.Apply(SpeakerUser, SegmentEvent{ID: "u1", Text: "hello"})
}
