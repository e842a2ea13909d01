package roomchat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTimelineLoad(t *testing.T) {
	t.Run("replaces messages and avatars", func(t *testing.T) {
		b := newFakeBackend()
		b.messages["R1"] = &RoomMessages{
			Messages: []Message{
				{ID: "m1", SenderID: "u1", Content: "first"},
				{ID: "m2", SenderID: "u2", Content: "second"},
			},
			Avatars: []AvatarEntry{{UserID: "u2", AvatarURL: "https://cdn.example.com/u2.png"}},
		}
		tl := NewTimeline(b, nil)

		if tl.State() != LoadIdle {
			t.Fatalf("initial state = %s", tl.State())
		}
		if err := tl.Load(context.Background(), "R1", "u1"); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if tl.State() != LoadReady {
			t.Errorf("state = %s, want ready", tl.State())
		}
		msgs := tl.Messages()
		if got := contents(msgs); len(got) != 2 || got[0] != "first" || got[1] != "second" {
			t.Errorf("messages = %v", got)
		}
		for _, m := range msgs {
			if m.RoomID != "R1" {
				t.Errorf("message %s room = %q, want R1", m.ID, m.RoomID)
			}
		}
		if url, ok := tl.AvatarURL("u2"); !ok || url != "https://cdn.example.com/u2.png" {
			t.Errorf("avatar = %q, %v", url, ok)
		}
		if _, ok := tl.AvatarURL("u1"); ok {
			t.Error("unexpected avatar for u1")
		}
	})

	t.Run("failure stores message", func(t *testing.T) {
		b := newFakeBackend()
		b.messagesErr = &FetchError{Op: "list messages", Status: 404, Message: "chat room not found"}
		tl := NewTimeline(b, nil)

		err := tl.Load(context.Background(), "R1", "u1")
		var fe *FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("err = %v, want *FetchError", err)
		}
		if tl.State() != LoadFailed {
			t.Errorf("state = %s, want failed", tl.State())
		}
		if tl.Err() != "chat room not found" {
			t.Errorf("err message = %q", tl.Err())
		}
	})

	t.Run("stale result is discarded", func(t *testing.T) {
		b := newFakeBackend()
		b.messages["A"] = &RoomMessages{Messages: []Message{{ID: "a1", SenderID: "u1", Content: "A"}}}
		b.messages["B"] = &RoomMessages{Messages: []Message{{ID: "b1", SenderID: "u1", Content: "B"}}}
		gate := b.gate("A")
		tl := NewTimeline(b, nil)

		done := make(chan error, 1)
		go func() { done <- tl.Load(context.Background(), "A", "u1") }()
		waitFor(t, "load of A to start", func() bool { return b.calls("A") == 1 })

		if err := tl.Load(context.Background(), "B", "u1"); err != nil {
			t.Fatalf("Load(B): %v", err)
		}
		close(gate)
		if err := <-done; !errors.Is(err, ErrSuperseded) {
			t.Fatalf("Load(A) = %v, want ErrSuperseded", err)
		}
		if tl.RoomID() != "B" {
			t.Errorf("room = %s, want B", tl.RoomID())
		}
		if got := contents(tl.Messages()); len(got) != 1 || got[0] != "B" {
			t.Errorf("messages = %v", got)
		}
	})

	t.Run("concurrent loads of one room share a request", func(t *testing.T) {
		b := newFakeBackend()
		b.messages["R1"] = &RoomMessages{Messages: []Message{{ID: "m1", SenderID: "u1", Content: "x"}}}
		gate := b.gate("R1")
		tl := NewTimeline(b, nil)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = tl.Load(context.Background(), "R1", "u1")
			}(i)
		}
		waitFor(t, "both loads to start", func() bool {
			tl.mu.Lock()
			defer tl.mu.Unlock()
			return tl.seq == 2
		})
		// Let the second caller reach the shared flight.
		time.Sleep(20 * time.Millisecond)
		close(gate)
		wg.Wait()

		if n := b.calls("R1"); n != 1 {
			t.Errorf("fetched %d times, want 1", n)
		}
		var applied int
		for _, err := range errs {
			switch {
			case err == nil:
				applied++
			case !errors.Is(err, ErrSuperseded):
				t.Errorf("unexpected error: %v", err)
			}
		}
		if applied != 1 {
			t.Errorf("applied loads = %d, want 1", applied)
		}
		if tl.Len() != 1 {
			t.Errorf("messages = %d, want 1", tl.Len())
		}
	})

	t.Run("shared request survives a cancelled caller", func(t *testing.T) {
		b := newFakeBackend()
		b.honorCtx = true
		b.messages["R1"] = &RoomMessages{Messages: []Message{{ID: "m1", SenderID: "u1", Content: "x"}}}
		gate := b.gate("R1")
		tl := NewTimeline(b, nil)

		ctx1, cancel1 := context.WithCancel(context.Background())
		defer cancel1()
		first := make(chan error, 1)
		go func() { first <- tl.Load(ctx1, "R1", "u1") }()
		waitFor(t, "first load to start", func() bool { return b.calls("R1") == 1 })

		second := make(chan error, 1)
		go func() { second <- tl.Load(context.Background(), "R1", "u1") }()
		waitFor(t, "second load to start", func() bool {
			tl.mu.Lock()
			defer tl.mu.Unlock()
			return tl.seq == 2
		})
		time.Sleep(20 * time.Millisecond)

		cancel1()
		if err := <-first; !errors.Is(err, ErrSuperseded) {
			t.Fatalf("first Load = %v, want ErrSuperseded", err)
		}
		close(gate)
		if err := <-second; err != nil {
			t.Fatalf("second Load = %v, want nil", err)
		}
		if tl.State() != LoadReady || tl.Err() != "" {
			t.Errorf("state = %s err = %q, want ready", tl.State(), tl.Err())
		}
		if n := b.calls("R1"); n != 1 {
			t.Errorf("fetched %d times, want 1", n)
		}
		if tl.Len() != 1 {
			t.Errorf("messages = %d, want 1", tl.Len())
		}
	})

	t.Run("reload keeps pending entries", func(t *testing.T) {
		b := newFakeBackend()
		b.messages["R1"] = &RoomMessages{Messages: []Message{{ID: "m1", SenderID: "u2", Content: "hey"}}}
		tl := NewTimeline(b, nil)
		ctx := context.Background()

		if err := tl.Load(ctx, "R1", "u1"); err != nil {
			t.Fatalf("Load: %v", err)
		}
		tl.merge(Message{ClientID: "c1", RoomID: "R1", SenderID: "u1", Content: "sending", Pending: true})
		tl.merge(Message{ID: "m9", RoomID: "R1", SenderID: "u3", Content: "pushed"})
		if err := tl.Load(ctx, "R1", "u1"); err != nil {
			t.Fatalf("reload: %v", err)
		}

		msgs := tl.Messages()
		if got := contents(msgs); len(got) != 2 || got[0] != "hey" || got[1] != "sending" {
			t.Fatalf("messages = %v, want [hey sending]", got)
		}
		if !msgs[1].Pending {
			t.Error("pending flag lost")
		}
	})

	t.Run("reset abandons in-flight load", func(t *testing.T) {
		b := newFakeBackend()
		gate := b.gate("R1")
		tl := NewTimeline(b, nil)

		done := make(chan error, 1)
		go func() { done <- tl.Load(context.Background(), "R1", "u1") }()
		waitFor(t, "load to start", func() bool { return b.calls("R1") == 1 })

		tl.Reset("R2")
		if err := <-done; !errors.Is(err, ErrSuperseded) {
			t.Fatalf("Load = %v, want ErrSuperseded", err)
		}
		close(gate)
		if tl.State() != LoadIdle || tl.RoomID() != "R2" || tl.Len() != 0 {
			t.Errorf("state = %s room = %s len = %d", tl.State(), tl.RoomID(), tl.Len())
		}
	})
}

func TestTimelineMerge(t *testing.T) {
	tl := NewTimeline(newFakeBackend(), nil)
	tl.Reset("R1")

	tests := []struct {
		name string
		msg  Message
		want mergeResult
	}{
		{"new message", Message{ID: "m1", RoomID: "R1", SenderID: "u1", Content: "a"}, mergeAppended},
		{"same sender and content", Message{ID: "m2", RoomID: "R1", SenderID: "u1", Content: "a"}, mergeDuplicate},
		{"other sender", Message{ID: "m3", RoomID: "R1", SenderID: "u2", Content: "a"}, mergeAppended},
		{"other room", Message{ID: "m4", RoomID: "R2", SenderID: "u1", Content: "b"}, mergeRejected},
		{"pending", Message{ClientID: "c1", RoomID: "R1", SenderID: "u1", Content: "c", Pending: true}, mergeAppended},
		{"echo of pending", Message{ID: "m5", RoomID: "R1", SenderID: "u1", Content: "c"}, mergeConfirmed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tl.merge(tt.msg); got != tt.want {
				t.Errorf("merge = %d, want %d", got, tt.want)
			}
		})
	}

	msgs := tl.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if last := msgs[2]; last.Pending || last.ID != "m5" {
		t.Errorf("confirmed entry = %+v", last)
	}
	if tl.removePending("c1") {
		t.Error("removed an entry that was already confirmed")
	}
}

func TestTimelineAppend(t *testing.T) {
	tl := NewTimeline(newFakeBackend(), nil)
	if tl.Append(Message{ID: "m0", RoomID: "R1", SenderID: "u1", Content: "early"}) {
		t.Error("appended with no open room")
	}
	tl.Reset("R1")

	steps := []struct {
		msg  Message
		want bool
	}{
		{Message{ID: "m1", RoomID: "R1", SenderID: "u1", Content: "one"}, true},
		{Message{ID: "m2", RoomID: "R1", SenderID: "u2", Content: "two"}, true},
		{Message{ID: "m3", RoomID: "R1", SenderID: "u1", Content: "one"}, false},
		{Message{ID: "m4", RoomID: "R2", SenderID: "u1", Content: "elsewhere"}, false},
		{Message{ClientID: "c1", RoomID: "R1", SenderID: "u1", Content: "three", Pending: true}, true},
		{Message{ID: "m5", RoomID: "R1", SenderID: "u3", Content: "four"}, true},
		{Message{ID: "m6", RoomID: "R1", SenderID: "u1", Content: "three"}, true},
	}
	for i, s := range steps {
		if got := tl.Append(s.msg); got != s.want {
			t.Errorf("step %d: Append(%q) = %v, want %v", i, s.msg.Content, got, s.want)
		}
	}

	msgs := tl.Messages()
	want := []string{"one", "two", "three", "four"}
	got := contents(msgs)
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages = %v, want %v", got, want)
		}
	}
	if msgs[0].ID != "m1" {
		t.Errorf("first entry id = %s, want m1", msgs[0].ID)
	}
	if msgs[2].Pending || msgs[2].ID != "m6" {
		t.Errorf("confirmed entry = %+v", msgs[2])
	}
}

func TestDedupPolicies(t *testing.T) {
	tests := []struct {
		name      string
		policy    DedupPolicy
		existing  Message
		candidate Message
		want      bool
	}{
		{"sender content match", DedupSenderContent,
			Message{ID: "1", SenderID: "u1", Content: "hi"}, Message{ID: "2", SenderID: "u1", Content: "hi"}, true},
		{"sender content differs", DedupSenderContent,
			Message{ID: "1", SenderID: "u1", Content: "hi"}, Message{ID: "1", SenderID: "u2", Content: "hi"}, false},
		{"correlation by client id", DedupCorrelation,
			Message{ClientID: "c1", SenderID: "u1", Content: "hi"}, Message{ID: "9", ClientID: "c1", SenderID: "u1", Content: "hi"}, true},
		{"correlation distinct client ids", DedupCorrelation,
			Message{ClientID: "c1", SenderID: "u1", Content: "hi"}, Message{ClientID: "c2", SenderID: "u1", Content: "hi"}, false},
		{"correlation by message id", DedupCorrelation,
			Message{ID: "1", SenderID: "u1", Content: "hi"}, Message{ID: "2", SenderID: "u1", Content: "hi"}, false},
		{"correlation fallback", DedupCorrelation,
			Message{ClientID: "c1", SenderID: "u1", Content: "hi"}, Message{ID: "7", SenderID: "u1", Content: "hi"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy(tt.existing, tt.candidate); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
