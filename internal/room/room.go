package room

import (
	"context"
	"sync"
	"time"

	"github.com/desertbit/timer"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"github.com/kythyria/nachat/internal/bus"
	"github.com/kythyria/nachat/internal/event"
	"github.com/kythyria/nachat/internal/status"
)

// Session supplies the pieces a room borrows from its owning account: the
// user's identity, the timeline window capacity, and idempotency tokens for
// sends.
type Session interface {
	UserID() id.UserID
	BufferSize() int
	TxnID() string
}

// TimelineBatch is one sync delta's worth of timeline events together with
// the token for fetching the history before it.
type TimelineBatch struct {
	PrevBatch string        `json:"prev_batch,omitempty"`
	Events    []event.Event `json:"events,omitempty"`
}

// Receipt is a user's read position: the newest event they acknowledged and
// the server timestamp of the acknowledgement.
type Receipt struct {
	EventID id.EventID
	TS      uint64
}

// Room maintains one joined room's live view: the state snapshot pair, the
// bounded timeline window, read receipts, typing, and the outbound
// transmitter. Methods are serialized by an internal mutex; sender
// completions and the retry timer take it too, so callers never observe a
// half-applied delta.
type Room struct {
	mu        sync.Mutex
	id        id.RoomID
	session   Session
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger

	// initialState plus a forward replay of every buffered event always
	// equals state.
	initialState *State
	state        *State

	buffer            []TimelineBatch
	highlightCount    int
	notificationCount int

	receiptsByUser  map[id.UserID]*Receipt
	receiptsByEvent map[id.EventID][]*Receipt
	typing          []id.UserID

	// Outbound transmitter; see sender.go.
	pending      []outgoingEvent
	transmitting bool
	lastTxnID    string
	retryBackoff time.Duration
	retryMin     time.Duration
	retryMax     time.Duration
	retryTimer   *timer.Timer
	machine      *status.Machine
	ctx          context.Context
	cancel       context.CancelFunc
}

// Snapshot is the persisted form of a room: the trailing state snapshot,
// the newest timeline batch, unread counters and receipts. Members are
// persisted separately in the members index.
type Snapshot struct {
	InitialState      StateSnapshot                 `json:"initial_state"`
	Buffer            TimelineBatch                 `json:"buffer"`
	HighlightCount    int                           `json:"highlight_count"`
	NotificationCount int                           `json:"notification_count"`
	Receipts          map[id.UserID]ReceiptSnapshot `json:"receipts"`
}

// ReceiptSnapshot is the persisted form of one user's receipt.
type ReceiptSnapshot struct {
	EventID id.EventID `json:"event_id"`
	TS      uint64     `json:"ts"`
}

// New creates a room, restoring it from snap and the persisted member
// records when snap is non-nil. The buffered events in the snapshot are
// replayed so the live state again leads the initial state by exactly the
// buffer contents.
func New(roomID id.RoomID, sess Session, tr Transport, b *bus.Bus, logger *zap.Logger, snap *Snapshot, members MemberSource) (*Room, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("room", string(roomID)))

	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:              roomID,
		session:         sess,
		transport:       tr,
		bus:             b,
		logger:          logger,
		receiptsByUser:  make(map[id.UserID]*Receipt),
		receiptsByEvent: make(map[id.EventID][]*Receipt),
		retryBackoff:    minBackoff,
		retryMin:        minBackoff,
		retryMax:        maxBackoff,
		machine:         status.NewMachine(roomID, b),
		ctx:             ctx,
		cancel:          cancel,
	}

	if snap == nil {
		r.initialState = NewState(logger)
		r.state = NewState(logger)
		return r, nil
	}

	initial, err := NewStateFromSnapshot(snap.InitialState, members, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	r.initialState = initial
	r.state = initial.Clone()

	if len(snap.Buffer.Events) > 0 || snap.Buffer.PrevBatch != "" {
		batch := TimelineBatch{PrevBatch: snap.Buffer.PrevBatch}
		batch.Events = append(batch.Events, snap.Buffer.Events...)
		for i := range batch.Events {
			r.state.Apply(&batch.Events[i])
			r.state.PruneDeparted(nil)
		}
		r.buffer = append(r.buffer, batch)
	}
	r.highlightCount = snap.HighlightCount
	r.notificationCount = snap.NotificationCount
	for user, rcpt := range snap.Receipts {
		r.updateReceipt(user, rcpt.EventID, rcpt.TS)
	}
	return r, nil
}

// ID returns the room id.
func (r *Room) ID() id.RoomID { return r.id }

// State returns the live snapshot. The caller must not retain it across
// dispatches.
func (r *Room) State() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PrettyName renders the room's display name for the current user.
func (r *Room) PrettyName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.PrettyName(r.session.UserID())
}

// Buffer returns the live timeline window.
func (r *Room) Buffer() []TimelineBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer
}

// BufferSize returns the number of buffered timeline events.
func (r *Room) BufferSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufferSizeLocked()
}

func (r *Room) bufferSizeLocked() int {
	n := 0
	for i := range r.buffer {
		n += len(r.buffer[i].Events)
	}
	return n
}

// HighlightCount returns the server-computed highlight counter.
func (r *Room) HighlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highlightCount
}

// NotificationCount returns the server-computed notification counter.
func (r *Room) NotificationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notificationCount
}

// Typing returns the users currently typing.
func (r *Room) Typing() []id.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]id.UserID(nil), r.typing...)
}

// Dispatch consumes one sync delta. Member changes are persisted through
// mtx, which shares the caller's transaction with the rest of the delta. An
// error is returned for the caller to abort that transaction, so none of the
// delta's member writes are committed; the in-memory state and buffer keep
// whatever of the delta was applied before the error.
func (r *Room) Dispatch(joined *event.JoinedRoom, mtx MemberTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stateTouched := false

	// Catch-up state precedes the timeline and is folded into both ends
	// of the window.
	for i := range joined.State.Events {
		ev := &joined.State.Events[i]
		r.initialState.Apply(ev)
		r.initialState.PruneDeparted(nil)
		changed, err := r.state.Dispatch(ev, r, mtx)
		if err != nil {
			return err
		}
		stateTouched = stateTouched || changed
		r.state.PruneDeparted(r)
	}

	if joined.UnreadNotifications.HighlightCount != r.highlightCount {
		old := r.highlightCount
		r.highlightCount = joined.UnreadNotifications.HighlightCount
		r.publish(KindHighlightCountChanged, CountPayload{Room: r.id, Old: old})
	}
	if joined.UnreadNotifications.NotificationCount != r.notificationCount {
		old := r.notificationCount
		r.notificationCount = joined.UnreadNotifications.NotificationCount
		r.publish(KindNotificationCountChanged, CountPayload{Room: r.id, Old: old})
	}

	if joined.Timeline.Limited {
		r.buffer = nil
		r.publish(KindDiscontinuity, RoomPayload{Room: r.id})
	}

	// Must follow discontinuity so that subscribers can discard their
	// timeline before learning the new token.
	r.publish(KindPrevBatch, PrevBatchPayload{Room: r.id, PrevBatch: joined.Timeline.PrevBatch})

	if len(joined.Timeline.Events) == 0 && len(r.buffer) != 0 {
		// Only the first batch in the buffer may ever be empty.
		r.buffer[len(r.buffer)-1].PrevBatch = joined.Timeline.PrevBatch
	} else {
		r.buffer = append(r.buffer, TimelineBatch{
			PrevBatch: joined.Timeline.PrevBatch,
			Events:    make([]event.Event, 0, len(joined.Timeline.Events)),
		})
		batch := &r.buffer[len(r.buffer)-1]
		for i := range joined.Timeline.Events {
			ev := joined.Timeline.Events[i]
			changed, err := r.state.Dispatch(&ev, r, mtx)
			if err != nil {
				return err
			}
			stateTouched = stateTouched || changed

			// Appended before the message notification so HasUnread
			// accounts for the event in question.
			batch.Events = append(batch.Events, ev)
			r.publish(KindMessage, MessagePayload{Room: r.id, Event: &batch.Events[len(batch.Events)-1]})

			// After the event is applied but before the next one, so
			// display names are correct for leave/ban events as well as
			// whatever follows.
			r.state.PruneDeparted(r)
		}

		for len(r.buffer) != 0 && r.bufferSizeLocked()-len(r.buffer[0].Events) >= r.session.BufferSize() {
			front := r.buffer[0]
			for i := range front.Events {
				r.initialState.Apply(&front.Events[i])
				r.initialState.PruneDeparted(nil)
			}
			r.buffer = r.buffer[1:]
		}
	}

	for i := range joined.Ephemeral.Events {
		ev := &joined.Ephemeral.Events[i]
		switch ev.Type {
		case event.Receipt:
			gjson.ParseBytes(ev.Content).ForEach(func(eventID, body gjson.Result) bool {
				body.Get("m\\.read").ForEach(func(user, read gjson.Result) bool {
					r.updateReceipt(id.UserID(user.String()), id.EventID(eventID.String()), read.Get("ts").Uint())
					return true
				})
				return true
			})
			r.publish(KindReceiptsChanged, RoomPayload{Room: r.id})
		case event.Typing:
			r.typing = r.typing[:0]
			for _, u := range gjson.GetBytes(ev.Content, "user_ids").Array() {
				r.typing = append(r.typing, id.UserID(u.String()))
			}
			r.publish(KindTypingChanged, TypingPayload{Room: r.id, Users: append([]id.UserID(nil), r.typing...)})
		default:
			r.logger.Debug("unrecognized ephemeral event type", zap.String("type", ev.Type))
		}
	}

	if stateTouched {
		r.publish(KindStateChanged, RoomPayload{Room: r.id})
	}
	return nil
}

// updateReceipt moves a user's read position, keeping the per-user and
// per-event views consistent. The receipt record is updated in place so
// pointers in the event index stay valid.
func (r *Room) updateReceipt(user id.UserID, eventID id.EventID, ts uint64) {
	if existing, ok := r.receiptsByUser[user]; ok {
		if vec, ok := r.receiptsByEvent[existing.EventID]; ok {
			kept := vec[:0]
			for _, rcpt := range vec {
				if rcpt != existing {
					kept = append(kept, rcpt)
				}
			}
			if len(kept) == 0 {
				delete(r.receiptsByEvent, existing.EventID)
			} else {
				r.receiptsByEvent[existing.EventID] = kept
			}
		}
		existing.EventID = eventID
		existing.TS = ts
		r.receiptsByEvent[eventID] = append(r.receiptsByEvent[eventID], existing)
		return
	}
	rcpt := &Receipt{EventID: eventID, TS: ts}
	r.receiptsByUser[user] = rcpt
	r.receiptsByEvent[eventID] = append(r.receiptsByEvent[eventID], rcpt)
}

// ReceiptsFor returns the receipts parked on an event.
func (r *Room) ReceiptsFor(eventID id.EventID) []*Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Receipt(nil), r.receiptsByEvent[eventID]...)
}

// ReceiptFrom returns a user's receipt, or nil.
func (r *Room) ReceiptFrom(user id.UserID) *Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receiptsByUser[user]
}

// HasUnread reports whether the timeline holds a message from another user
// newer than the current user's receipt. An empty window or a missing
// receipt counts as unread.
func (r *Room) HasUnread() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasUnreadLocked()
}

func (r *Room) hasUnreadLocked() bool {
	if len(r.buffer) == 0 || len(r.buffer[len(r.buffer)-1].Events) == 0 {
		return true
	}
	rcpt := r.receiptsByUser[r.session.UserID()]
	if rcpt == nil {
		return true
	}
	for bi := len(r.buffer) - 1; bi >= 0; bi-- {
		events := r.buffer[bi].Events
		for ei := len(events) - 1; ei >= 0; ei-- {
			ev := &events[ei]
			if rcpt.EventID == ev.ID {
				return false
			}
			if ev.Type == event.Message && ev.Sender != r.session.UserID() {
				return true
			}
		}
	}
	return true
}

// Snapshot returns the persistable form of the room. Only the newest batch
// is kept; older history is refetched through its prev_batch token.
func (r *Room) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{
		InitialState:      r.initialState.Snapshot(),
		HighlightCount:    r.highlightCount,
		NotificationCount: r.notificationCount,
		Receipts:          make(map[id.UserID]ReceiptSnapshot, len(r.receiptsByUser)),
	}
	if len(r.buffer) != 0 {
		tail := r.buffer[len(r.buffer)-1]
		snap.Buffer.PrevBatch = tail.PrevBatch
		snap.Buffer.Events = append(snap.Buffer.Events, tail.Events...)
	}
	for user, rcpt := range r.receiptsByUser {
		snap.Receipts[user] = ReceiptSnapshot{EventID: rcpt.EventID, TS: rcpt.TS}
	}
	return snap
}
