package roomchat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultLoadDebounce is the quiet period before a room selection loads.
const DefaultLoadDebounce = 300 * time.Millisecond

// engineKey is the subscriber key the engine registers its channel handlers
// under. Starting twice replaces rather than duplicates them.
const engineKey = "roomchat.engine"

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind says which part of the engine state changed.
type ChangeKind int

const (
	ChangeRooms ChangeKind = iota
	ChangeSelection
	ChangeTimeline
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeRooms:
		return "rooms"
	case ChangeSelection:
		return "selection"
	case ChangeTimeline:
		return "timeline"
	default:
		return "unknown"
	}
}

// Change is delivered to observers after the state it describes is visible.
type Change struct {
	Kind   ChangeKind
	RoomID ID
}

// Snapshot is a consistent copy of the engine state.
type Snapshot struct {
	Rooms        []ChatRoom
	RoomsLoading bool
	RoomsErr     string

	Selected      ID
	Messages      []Message
	TimelineState LoadState
	TimelineErr   string
}

// ============================================================================
// Options
// ============================================================================

type EngineOption func(*Engine)

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDedupPolicy replaces DedupSenderContent.
func WithDedupPolicy(policy DedupPolicy) EngineOption {
	return func(e *Engine) {
		if policy != nil {
			e.dedup = policy
		}
	}
}

// WithOptimisticSend makes Send append a pending message before the request
// completes.
func WithOptimisticSend(enabled bool) EngineOption {
	return func(e *Engine) { e.optimistic = enabled }
}

// WithLoadDebounce sets the selection quiet period. Zero loads immediately.
func WithLoadDebounce(d time.Duration) EngineOption {
	return func(e *Engine) { e.debounce = d }
}

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles the room directory and the open room's timeline against
// REST fetches, push events and local sends.
type Engine struct {
	backend    Backend
	channel    Channel
	session    Session
	logger     *slog.Logger
	dedup      DedupPolicy
	optimistic bool
	debounce   time.Duration

	directory *Directory
	timeline  *Timeline
	loads     *debouncer
	observers registry[Change]

	// ctx scopes background work started by the engine itself.
	ctx    context.Context
	cancel context.CancelFunc

	// mu makes each event, selection and send bookkeeping step atomic across
	// both stores.
	mu   sync.Mutex
	subs []Subscription
}

// NewEngine wires backend and channel for session. Call Start to connect.
func NewEngine(backend Backend, channel Channel, session Session, opts ...EngineOption) *Engine {
	e := &Engine{
		backend:  backend,
		channel:  channel,
		session:  session,
		logger:   discardLogger(),
		dedup:    DedupSenderContent,
		debounce: DefaultLoadDebounce,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.directory = NewDirectory(backend)
	e.timeline = NewTimeline(backend, e.dedup)
	e.loads = newDebouncer(e.debounce)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

func (e *Engine) Directory() *Directory { return e.directory }

func (e *Engine) Timeline() *Timeline { return e.timeline }

func (e *Engine) Session() Session { return e.session }

// Observe registers fn for change notifications under key. Observers run on
// the goroutine that made the change and must not block.
func (e *Engine) Observe(key string, fn func(Change)) Subscription {
	return e.observers.add(key, fn)
}

func (e *Engine) notify(kind ChangeKind, roomID ID) {
	emit(e.logger, "change", &e.observers, Change{Kind: kind, RoomID: roomID})
}

// Start registers the engine's channel handlers, then connects the channel
// and refreshes the directory concurrently. Both are attempted even when one
// fails; the first error is returned.
func (e *Engine) Start(ctx context.Context) error {
	e.subscribe()

	var g errgroup.Group
	g.Go(func() error {
		if err := e.channel.Connect(ctx); err != nil {
			e.logger.Warn("push channel connect failed", "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := e.Refresh(ctx)
		if errors.Is(err, ErrSuperseded) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func (e *Engine) subscribe() {
	subs := []Subscription{
		e.channel.OnMessage(engineKey, e.HandleMessage),
		e.channel.OnRoomCreated(engineKey, e.handleRoomCreated),
		e.channel.OnReconnected(engineKey, e.handleReconnected),
	}
	e.mu.Lock()
	e.subs = subs
	e.mu.Unlock()
}

// HandleMessage applies one push event. The directory preview of a known
// room is updated; the timeline takes the message only when it belongs to
// the open room and is not a duplicate under the dedup policy.
func (e *Engine) HandleMessage(ev MessageEvent) {
	if ev.Content == "" {
		e.logger.Debug("dropping message without content", "room_id", ev.RoomID, "message_id", ev.MessageID)
		return
	}
	msg := ev.message()

	e.mu.Lock()
	roomUpdated := e.directory.UpdateLatest(msg.RoomID, msg.summary())
	result := mergeRejected
	if selected, ok := e.directory.Selected(); ok && selected == msg.RoomID {
		result = e.timeline.merge(msg)
	}
	e.mu.Unlock()

	switch result {
	case mergeDuplicate:
		e.logger.Debug("dropping duplicate message", "room_id", msg.RoomID, "message_id", msg.ID)
	case mergeConfirmed:
		e.logger.Debug("confirmed pending message", "room_id", msg.RoomID, "message_id", msg.ID)
	}

	if roomUpdated {
		e.notify(ChangeRooms, msg.RoomID)
	}
	if result == mergeAppended || result == mergeConfirmed {
		e.notify(ChangeTimeline, msg.RoomID)
	}
}

func (e *Engine) handleRoomCreated(ev RoomCreatedEvent) {
	e.logger.Info("room created", "room_id", ev.Room.ID, "name", ev.Room.Name)
	go func() {
		if err := e.Refresh(e.ctx); err != nil && !errors.Is(err, ErrSuperseded) && e.ctx.Err() == nil {
			e.logger.Warn("directory refresh after room creation failed", "error", err)
		}
	}()
}

// handleReconnected restores the open room's subscription, which does not
// survive a reconnect.
func (e *Engine) handleReconnected() {
	roomID, ok := e.directory.Selected()
	if !ok {
		return
	}
	if err := e.channel.JoinRoom(e.ctx, roomID); err != nil {
		e.logger.Warn("rejoin after reconnect failed", "room_id", roomID, "error", err)
		return
	}
	e.logger.Info("rejoined room after reconnect", "room_id", roomID)
}

// Refresh reloads the directory for the session user.
func (e *Engine) Refresh(ctx context.Context) error {
	err := e.directory.Refresh(ctx, e.session.UserID)
	if errors.Is(err, ErrSuperseded) {
		return err
	}
	if err != nil {
		e.logger.Warn("directory refresh failed", "error", err)
	}
	e.notify(ChangeRooms, "")
	return err
}

// SelectRoom opens roomID. The previous room is left best-effort, the new
// room is joined and its messages load after the debounce period. Selecting
// the open room again only reloads it. The selection is applied even when
// the join fails; the join error is returned.
func (e *Engine) SelectRoom(ctx context.Context, roomID ID) error {
	if roomID.IsZero() {
		return e.Deselect(ctx)
	}

	e.mu.Lock()
	prev, hadPrev := e.directory.Selected()
	switching := !hadPrev || prev != roomID
	if switching {
		e.directory.Select(roomID)
		e.timeline.Reset(roomID)
	}
	e.mu.Unlock()

	var joinErr error
	if switching {
		e.notify(ChangeSelection, roomID)
		e.notify(ChangeTimeline, roomID)
		if hadPrev {
			e.leave(ctx, prev)
		}
		if joinErr = e.channel.JoinRoom(ctx, roomID); joinErr != nil {
			e.logger.Warn("join room failed", "room_id", roomID, "error", joinErr)
		}
	}

	e.loads.Trigger(func() {
		if err := e.LoadRoom(e.ctx, roomID); err != nil && !errors.Is(err, ErrSuperseded) && e.ctx.Err() == nil {
			e.logger.Warn("room load failed", "room_id", roomID, "error", err)
		}
	})
	return joinErr
}

// Deselect closes the open room, if any.
func (e *Engine) Deselect(ctx context.Context) error {
	e.loads.Cancel()

	e.mu.Lock()
	prev, hadPrev := e.directory.Selected()
	e.directory.Select("")
	e.timeline.Reset("")
	e.mu.Unlock()

	if !hadPrev {
		return nil
	}
	e.notify(ChangeSelection, "")
	e.notify(ChangeTimeline, "")
	e.leave(ctx, prev)
	return nil
}

func (e *Engine) leave(ctx context.Context, roomID ID) {
	if err := e.channel.LeaveRoom(ctx, roomID); err != nil {
		e.logger.Debug("leave room failed", "room_id", roomID, "error", err)
	}
}

// LoadRoom fetches the open room's messages now, bypassing the debounce. It
// returns ErrSuperseded when roomID is no longer open or a newer load won.
func (e *Engine) LoadRoom(ctx context.Context, roomID ID) error {
	if selected, ok := e.directory.Selected(); !ok || selected != roomID {
		return ErrSuperseded
	}
	err := e.timeline.load(ctx, roomID, e.session.UserID, false)
	if errors.Is(err, ErrSuperseded) {
		return err
	}
	e.notify(ChangeTimeline, roomID)
	return err
}

// Send posts content to the open room. With optimistic sends the message is
// shown as pending at once and removed again if the request fails; the push
// echo confirms it.
func (e *Engine) Send(ctx context.Context, content string, isGif bool) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	roomID, ok := e.directory.Selected()
	if !ok {
		return ErrNoRoomSelected
	}

	clientID := uuid.NewString()
	pending := false
	if e.optimistic {
		msg := Message{
			ClientID:   clientID,
			RoomID:     roomID,
			SenderID:   e.session.UserID,
			SenderName: e.session.Username,
			Content:    content,
			IsGif:      isGif,
			SentAt:     time.Now().UTC(),
			Pending:    true,
		}
		e.mu.Lock()
		pending = e.timeline.merge(msg) == mergeAppended
		e.mu.Unlock()
		if pending {
			e.notify(ChangeTimeline, roomID)
		}
	}

	err := e.backend.SendMessage(ctx, &SendRequest{
		RoomID:   roomID,
		SenderID: e.session.UserID,
		Content:  content,
		IsGif:    isGif,
		ClientID: clientID,
	})
	if err == nil {
		return nil
	}

	e.logger.Warn("send failed", "room_id", roomID, "error", err)
	if pending {
		e.mu.Lock()
		removed := e.timeline.removePending(clientID)
		e.mu.Unlock()
		if removed {
			e.notify(ChangeTimeline, roomID)
		}
	}
	return err
}

// Snapshot returns a copy of the directory and timeline taken atomically with
// respect to event application.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	selected, _ := e.directory.Selected()
	return Snapshot{
		Rooms:         e.directory.Rooms(),
		RoomsLoading:  e.directory.Loading(),
		RoomsErr:      e.directory.Err(),
		Selected:      selected,
		Messages:      e.timeline.Messages(),
		TimelineState: e.timeline.State(),
		TimelineErr:   e.timeline.Err(),
	}
}

// Close cancels pending loads, removes the engine's handlers, drops all
// state and disconnects the channel.
func (e *Engine) Close() error {
	e.loads.Cancel()
	e.cancel()

	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.directory.Clear()
	e.timeline.Reset("")
	e.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return e.channel.Disconnect()
}
