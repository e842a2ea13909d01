package roomchat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDirectoryRefresh(t *testing.T) {
	t.Run("replaces rooms in server order", func(t *testing.T) {
		b := newFakeBackend(ChatRoom{ID: "2", Name: "b"}, ChatRoom{ID: "1", Name: "a"})
		d := NewDirectory(b)

		if err := d.Refresh(context.Background(), "u1"); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		rooms := d.Rooms()
		if len(rooms) != 2 || rooms[0].ID != "2" || rooms[1].ID != "1" {
			t.Errorf("rooms = %+v", rooms)
		}
		if d.Loading() || d.Err() != "" {
			t.Errorf("loading = %v, err = %q", d.Loading(), d.Err())
		}
	})

	t.Run("failure keeps previous rooms", func(t *testing.T) {
		b := newFakeBackend(ChatRoom{ID: "1"})
		d := NewDirectory(b)
		ctx := context.Background()
		if err := d.Refresh(ctx, "u1"); err != nil {
			t.Fatalf("Refresh: %v", err)
		}

		b.roomsErr = errors.New("dial tcp: connection refused")
		if err := d.Refresh(ctx, "u1"); err == nil {
			t.Fatal("expected error")
		}
		if d.Loading() {
			t.Error("loading still set")
		}
		if d.Err() == "" {
			t.Error("error message is empty")
		}
		if len(d.Rooms()) != 1 {
			t.Errorf("rooms = %d, want 1", len(d.Rooms()))
		}

		b.roomsErr = nil
		if err := d.Refresh(ctx, "u1"); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		if d.Err() != "" {
			t.Errorf("error not cleared: %q", d.Err())
		}
	})

	t.Run("older refresh is superseded", func(t *testing.T) {
		b := &slowRoomsBackend{fakeBackend: newFakeBackend(), release: make(chan struct{})}
		d := NewDirectory(b)
		ctx := context.Background()

		done := make(chan error, 1)
		go func() { done <- d.Refresh(ctx, "u1") }()
		waitFor(t, "first refresh to block", func() bool { return b.blocked() })

		b.setRooms(ChatRoom{ID: "new"})
		b.mu.Lock()
		b.fast = true
		b.mu.Unlock()
		if err := d.Refresh(ctx, "u1"); err != nil {
			t.Fatalf("second Refresh: %v", err)
		}
		close(b.release)

		if err := <-done; !errors.Is(err, ErrSuperseded) {
			t.Fatalf("first Refresh = %v, want ErrSuperseded", err)
		}
		rooms := d.Rooms()
		if len(rooms) != 1 || rooms[0].ID != "new" {
			t.Errorf("rooms = %+v", rooms)
		}
		if d.Loading() {
			t.Error("loading still set")
		}
	})
}

// slowRoomsBackend blocks the first ListRooms until release is closed and
// then answers with an empty list.
type slowRoomsBackend struct {
	*fakeBackend
	release chan struct{}

	waitMu  sync.Mutex
	waiting bool
	fast    bool
}

func (b *slowRoomsBackend) ListRooms(ctx context.Context, userID ID) ([]ChatRoom, error) {
	b.mu.Lock()
	fast := b.fast
	b.mu.Unlock()
	if fast {
		return b.fakeBackend.ListRooms(ctx, userID)
	}
	b.waitMu.Lock()
	b.waiting = true
	b.waitMu.Unlock()
	<-b.release
	return []ChatRoom{{ID: "stale"}}, nil
}

func (b *slowRoomsBackend) blocked() bool {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()
	return b.waiting
}

func TestDirectoryUpdateLatest(t *testing.T) {
	b := newFakeBackend(ChatRoom{ID: "R1"}, ChatRoom{ID: "R2"})
	d := NewDirectory(b)
	if err := d.Refresh(context.Background(), "u1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	sent := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	if !d.UpdateLatest("R2", &MessageSummary{SenderID: "u2", Content: "ping", SentAt: sent}) {
		t.Fatal("R2 not found")
	}
	if d.UpdateLatest("R9", &MessageSummary{Content: "lost"}) {
		t.Error("unknown room reported as updated")
	}

	r2, _ := d.Room("R2")
	if r2.LatestMessage == nil || r2.LatestMessage.Content != "ping" || !r2.LatestMessage.SentAt.Equal(sent) {
		t.Errorf("R2 latest = %+v", r2.LatestMessage)
	}
	r1, _ := d.Room("R1")
	if r1.LatestMessage != nil {
		t.Errorf("R1 latest = %+v, want nil", r1.LatestMessage)
	}
	if len(d.Rooms()) != 2 {
		t.Errorf("rooms = %d, want 2", len(d.Rooms()))
	}

	// Snapshots do not alias the store.
	r2.LatestMessage.Content = "mutated"
	if again, _ := d.Room("R2"); again.LatestMessage.Content != "ping" {
		t.Error("snapshot aliases directory state")
	}
}

func TestDirectorySelection(t *testing.T) {
	d := NewDirectory(newFakeBackend())
	if _, ok := d.Selected(); ok {
		t.Fatal("selection on empty directory")
	}
	d.Select("R1")
	if id, ok := d.Selected(); !ok || id != "R1" {
		t.Errorf("selected = %s, %v", id, ok)
	}
	d.Clear()
	if _, ok := d.Selected(); ok {
		t.Error("selection survived Clear")
	}
}
