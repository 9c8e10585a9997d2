package crmsync

import (
	"strconv"
	"testing"
	"time"
)

func TestOutcomeFeedRingBuffer(t *testing.T) {
	feed := NewOutcomeFeed(3)
	for i := 0; i < 5; i++ {
		feed.Record(Outcome{Type: TypeSubscription, EventName: "e" + strconv.Itoa(i), Status: StatusSucceeded})
	}

	outcomes := feed.Recent(0)
	if len(outcomes) != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", len(outcomes))
	}
	if outcomes[0].EventName != "e2" || outcomes[2].EventName != "e4" {
		t.Fatalf("expected oldest entries evicted, got %+v", outcomes)
	}

	limited := feed.Recent(2)
	if len(limited) != 2 || limited[1].EventName != "e4" {
		t.Fatalf("expected the 2 newest entries, got %+v", limited)
	}
}

func TestOutcomeFeedFillsIDAndTimestamp(t *testing.T) {
	feed := NewOutcomeFeed(0)
	recorded := feed.Record(Outcome{Type: TypeTest, Status: StatusSucceeded})
	if recorded.ID == "" {
		t.Fatalf("expected generated id")
	}
	if recorded.At.IsZero() {
		t.Fatalf("expected timestamp filled in")
	}
}

func TestOutcomeFeedSubscribe(t *testing.T) {
	feed := NewOutcomeFeed(0)
	updates, cancel := feed.Subscribe()
	defer cancel()

	feed.Record(Outcome{Type: TypeTest, Status: StatusSucceeded})

	select {
	case outcome := <-updates:
		if outcome.Type != TypeTest {
			t.Fatalf("unexpected outcome: %+v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected delivery to subscriber")
	}
}

func TestOutcomeFeedSlowSubscriberDrops(t *testing.T) {
	feed := NewOutcomeFeed(0)
	updates, cancel := feed.Subscribe()
	defer cancel()

	// Channel buffer is 16; overfilling must not block Record.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			feed.Record(Outcome{Type: TypeTest, Status: StatusSucceeded})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Record blocked on a slow subscriber")
	}

	if got := len(updates); got == 0 || got > 16 {
		t.Fatalf("expected a bounded backlog, got %d", got)
	}
}

func TestOutcomeFeedCancelClosesChannel(t *testing.T) {
	feed := NewOutcomeFeed(0)
	updates, cancel := feed.Subscribe()
	cancel()
	cancel() // second cancel is harmless

	if _, ok := <-updates; ok {
		t.Fatalf("expected closed channel after cancel")
	}

	// Recording after cancel must not panic or deliver.
	feed.Record(Outcome{Type: TypeTest, Status: StatusSucceeded})
}

func TestNilOutcomeFeedIsInert(t *testing.T) {
	var feed *OutcomeFeed
	feed.Record(Outcome{Type: TypeTest})
	if feed.Recent(0) != nil {
		t.Fatalf("nil feed must have no entries")
	}
	updates, cancel := feed.Subscribe()
	cancel()
	if _, ok := <-updates; ok {
		t.Fatalf("nil feed subscription must be closed")
	}
}
