package roomchat

import (
	"context"
	"sync"
)

// Directory holds the rooms visible to the user and the open room selection.
type Directory struct {
	backend Backend

	mu       sync.Mutex
	rooms    []ChatRoom
	index    map[ID]int
	selected ID
	loading  bool
	err      string
	seq      uint64
}

// NewDirectory creates an empty directory backed by backend.
func NewDirectory(backend Backend) *Directory {
	return &Directory{backend: backend, index: make(map[ID]int)}
}

// Refresh replaces the room list with the server's. On failure the previous
// list is kept, Err reports the failure and a *FetchError is returned. The
// loading flag is cleared on every exit path. When refreshes overlap, only
// the most recently started one is applied; older ones return ErrSuperseded.
func (d *Directory) Refresh(ctx context.Context, userID ID) (err error) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.loading = true
	d.err = ""
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.seq == seq {
			d.loading = false
		}
		d.mu.Unlock()
	}()

	rooms, err := d.backend.ListRooms(ctx, userID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seq != seq {
		return ErrSuperseded
	}
	if err != nil {
		d.err = errorMessage(err, "failed to fetch chat rooms")
		return err
	}
	d.setRoomsLocked(rooms)
	return nil
}

func (d *Directory) setRoomsLocked(rooms []ChatRoom) {
	d.rooms = make([]ChatRoom, len(rooms))
	d.index = make(map[ID]int, len(rooms))
	for i, r := range rooms {
		d.rooms[i] = r.clone()
		d.index[r.ID] = i
	}
}

// Select sets the open room. It never fetches.
func (d *Directory) Select(roomID ID) {
	d.mu.Lock()
	d.selected = roomID
	d.mu.Unlock()
}

// Selected returns the open room, if any.
func (d *Directory) Selected() (ID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected, !d.selected.IsZero()
}

// UpdateLatest replaces a room's latest-message summary. Rooms not in the
// directory are left alone; it reports whether the room was found.
func (d *Directory) UpdateLatest(roomID ID, summary *MessageSummary) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateLatestLocked(roomID, summary)
}

func (d *Directory) updateLatestLocked(roomID ID, summary *MessageSummary) bool {
	i, ok := d.index[roomID]
	if !ok {
		return false
	}
	s := *summary
	d.rooms[i].LatestMessage = &s
	return true
}

// Rooms returns a copy of the room list in server order.
func (d *Directory) Rooms() []ChatRoom {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ChatRoom, len(d.rooms))
	for i, r := range d.rooms {
		out[i] = r.clone()
	}
	return out
}

// Room returns a copy of one room.
func (d *Directory) Room(roomID ID) (ChatRoom, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[roomID]
	if !ok {
		return ChatRoom{}, false
	}
	return d.rooms[i].clone(), true
}

func (d *Directory) Loading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loading
}

// Err returns the last refresh failure message, or "".
func (d *Directory) Err() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Clear drops all rooms and the selection, e.g. on logout.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.rooms = nil
	d.index = make(map[ID]int)
	d.selected = ""
	d.loading = false
	d.err = ""
}
