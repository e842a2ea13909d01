package roomchat

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// LoadState is the timeline's room-loading state.
type LoadState int

const (
	LoadIdle LoadState = iota
	LoadLoading
	LoadReady
	LoadFailed
)

func (s LoadState) String() string {
	switch s {
	case LoadIdle:
		return "idle"
	case LoadLoading:
		return "loading"
	case LoadReady:
		return "ready"
	case LoadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Timeline holds the ordered messages of the open room.
type Timeline struct {
	backend Backend
	dedup   DedupPolicy
	flights singleflight.Group

	mu       sync.Mutex
	roomID   ID
	messages []Message
	avatars  map[ID]string
	state    LoadState
	err      string

	// seq invalidates in-flight loads; cancel wakes their callers. flight is
	// the shared fetch for roomID and outlives any single caller.
	seq    uint64
	cancel context.CancelFunc
	flight *flight
}

type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTimeline creates an idle timeline backed by backend. A nil dedup
// defaults to DedupSenderContent.
func NewTimeline(backend Backend, dedup DedupPolicy) *Timeline {
	if dedup == nil {
		dedup = DedupSenderContent
	}
	return &Timeline{backend: backend, dedup: dedup, avatars: make(map[ID]string)}
}

// Reset switches the timeline to roomID with no messages. Any in-flight load
// is cancelled and its result will be discarded.
func (t *Timeline) Reset(roomID ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortLocked()
	t.roomID = roomID
	t.messages = nil
	t.avatars = make(map[ID]string)
	t.state = LoadIdle
	t.err = ""
}

func (t *Timeline) abortLocked() {
	t.seq++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.flight != nil {
		t.flight.cancel()
		t.flight = nil
		t.flights.Forget(t.roomID.String())
	}
}

// flightLocked returns the fetch context shared by every load of the current
// room. It is detached from callers so one caller giving up cannot fail the
// others; only abortLocked cancels it.
func (t *Timeline) flightLocked(ctx context.Context) *flight {
	if t.flight == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t.flight = &flight{ctx: fctx, cancel: cancel}
	}
	return t.flight
}

func (t *Timeline) endFlight(f *flight) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f.cancel()
	if t.flight == f {
		t.flight = nil
	}
}

// Load fetches roomID's messages and avatars and replaces the timeline
// wholesale. Concurrent loads of the same room share one request. A load
// superseded by Reset or by a load of another room returns ErrSuperseded and
// leaves the timeline untouched.
func (t *Timeline) Load(ctx context.Context, roomID, userID ID) error {
	return t.load(ctx, roomID, userID, true)
}

// load with switchRoom false refuses to move the timeline off its current
// room, so a debounced load that lost a race against Reset becomes a no-op.
func (t *Timeline) load(ctx context.Context, roomID, userID ID, switchRoom bool) error {
	t.mu.Lock()
	switch {
	case t.roomID == roomID:
		t.seq++
	case !switchRoom:
		t.mu.Unlock()
		return ErrSuperseded
	default:
		t.abortLocked()
		t.roomID = roomID
		t.messages = nil
		t.avatars = make(map[ID]string)
		t.state = LoadIdle
	}
	seq := t.seq
	// Nothing has been fetched for this room yet, so every entry present when
	// the load lands arrived by push in the meantime.
	fresh := t.state == LoadIdle
	loadCtx, cancel := context.WithCancel(ctx)
	prevCancel := t.cancel
	t.cancel = func() {
		cancel()
		if prevCancel != nil {
			prevCancel()
		}
	}
	f := t.flightLocked(ctx)
	t.state = LoadLoading
	t.err = ""
	t.mu.Unlock()
	defer cancel()

	ch := t.flights.DoChan(roomID.String(), func() (any, error) {
		defer t.endFlight(f)
		return t.backend.ListMessages(f.ctx, roomID, userID)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-loadCtx.Done():
		res.Err = loadCtx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if seq != t.seq || t.roomID != roomID {
		return ErrSuperseded
	}
	t.cancel = nil
	if res.Err != nil {
		t.state = LoadFailed
		t.err = errorMessage(res.Err, "failed to fetch messages")
		return res.Err
	}
	rm, _ := res.Val.(*RoomMessages)
	t.replaceLocked(rm, fresh)
	t.state = LoadReady
	return nil
}

// replaceLocked installs a fetched room. Local entries the fetch cannot know
// about are kept after it: pending optimistic sends, and on a fresh load
// anything pushed while the request was in flight.
func (t *Timeline) replaceLocked(rm *RoomMessages, fresh bool) {
	local := t.messages
	t.messages = nil
	t.avatars = make(map[ID]string)
	if rm != nil {
		t.messages = make([]Message, 0, len(rm.Messages)+len(local))
		for _, m := range rm.Messages {
			if m.RoomID.IsZero() {
				m.RoomID = t.roomID
			}
			t.messages = append(t.messages, m)
		}
		for _, a := range rm.Avatars {
			t.avatars[a.UserID] = a.AvatarURL
		}
	}
	for _, m := range local {
		if !m.Pending && !fresh {
			continue
		}
		if t.indexLocked(m) < 0 {
			t.messages = append(t.messages, m)
		}
	}
}

func (t *Timeline) indexLocked(msg Message) int {
	for i := range t.messages {
		if t.dedup(t.messages[i], msg) {
			return i
		}
	}
	return -1
}

// Append adds msg to the end of the timeline if it belongs to the open room
// and no entry already matches it under the dedup policy. A match on a
// pending send confirms that entry in place. Existing entries are never
// reordered. It reports whether the timeline changed.
func (t *Timeline) Append(msg Message) bool {
	switch t.merge(msg) {
	case mergeAppended, mergeConfirmed:
		return true
	default:
		return false
	}
}

type mergeResult int

const (
	mergeRejected mergeResult = iota
	mergeAppended
	mergeDuplicate
	mergeConfirmed
)

// merge applies msg under the dedup policy as one atomic step. A duplicate
// of a pending optimistic entry confirms that entry in place.
func (t *Timeline) merge(msg Message) mergeResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.RoomID != t.roomID || t.roomID.IsZero() {
		return mergeRejected
	}
	if i := t.indexLocked(msg); i >= 0 {
		existing := &t.messages[i]
		if existing.Pending && !msg.Pending {
			existing.Pending = false
			if !msg.ID.IsZero() {
				existing.ID = msg.ID
			}
			if !msg.SentAt.IsZero() {
				existing.SentAt = msg.SentAt
			}
			if existing.SenderName == "" {
				existing.SenderName = msg.SenderName
			}
			return mergeConfirmed
		}
		return mergeDuplicate
	}
	t.messages = append(t.messages, msg)
	return mergeAppended
}

// removePending drops the optimistic entry carrying clientID.
func (t *Timeline) removePending(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.messages {
		if m.Pending && m.ClientID == clientID {
			t.messages = append(t.messages[:i:i], t.messages[i+1:]...)
			return true
		}
	}
	return false
}

// RoomID returns the room the timeline currently shows.
func (t *Timeline) RoomID() ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roomID
}

// Messages returns a copy of the timeline in arrival order.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages...)
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *Timeline) State() LoadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the last load failure message, or "".
func (t *Timeline) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// AvatarURL looks up a participant's avatar in the loaded room.
func (t *Timeline) AvatarURL(userID ID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.avatars[userID]
	return u, ok
}
