package room

import (
	"net/url"
	"time"

	"github.com/desertbit/timer"
	"go.uber.org/zap"

	"github.com/kythyria/nachat/internal/event"
	"github.com/kythyria/nachat/internal/status"
)

// Back-off for transiently failed sends: 5s floor (the default synapse
// seconds-per-message when throttled), growing by 1.25x per attempt up to
// the 30s ceiling.
const (
	minBackoff        = 5 * time.Second
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 1.25
)

// outgoingEvent is one queued outbound event.
type outgoingEvent struct {
	Type    string
	Content any
}

type sendResponse struct {
	EventID string `json:"event_id"`
}

// Send queues an event for transmission. Events transmit one at a time in
// order; transient homeserver failures retry with the same transaction id
// so the server deduplicates, and a permanent failure drops the event and
// reports it as KindError.
func (r *Room) Send(eventType string, content any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, outgoingEvent{Type: eventType, Content: content})
	r.transmitLocked()
}

// SendMessage queues a plain m.text message.
func (r *Room) SendMessage(body string) {
	r.Send(event.Message, map[string]any{
		"msgtype": "m.text",
		"body":    body,
	})
}

// SendEmote queues an m.emote message.
func (r *Room) SendEmote(body string) {
	r.Send(event.Message, map[string]any{
		"msgtype": "m.emote",
		"body":    body,
	})
}

// SendFile queues an m.file message for already-uploaded content.
func (r *Room) SendFile(uri, name, mediaType string, size int64) {
	r.Send(event.Message, map[string]any{
		"msgtype":  "m.file",
		"url":      uri,
		"filename": name,
		"body":     name,
		"info": map[string]any{
			"mimetype": mediaType,
			"size":     size,
		},
	})
}

// PendingEvents returns the number of queued outbound events.
func (r *Room) PendingEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// transmitLocked starts the head-of-queue request unless one is already in
// flight; transmitFinished re-invokes it as needed. Callers hold r.mu.
func (r *Room) transmitLocked() {
	if r.transmitting || len(r.pending) == 0 || r.ctx.Err() != nil {
		return
	}
	ev := r.pending[0]
	if r.lastTxnID == "" {
		r.lastTxnID = r.session.TxnID()
	}
	r.transmitting = true
	_ = r.machine.Transition(status.InFlight)

	path := "client/r0/rooms/" + url.PathEscape(string(r.id)) +
		"/send/" + url.PathEscape(ev.Type) +
		"/" + url.PathEscape(r.lastTxnID)
	go func() {
		var resp sendResponse
		code, err := r.transport.PutJSON(r.ctx, path, ev.Content, &resp)
		r.transmitFinished(code, err)
	}()
}

// transmitFinished classifies the reply and advances or retries the queue.
func (r *Room) transmitFinished(code int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transmitting = false
	if r.ctx.Err() != nil {
		// Room torn down while the request was in flight.
		return
	}
	retrying := false
	switch {
	case code >= 400 && code < 500 && code != 429:
		// HTTP client errors other than rate-limiting are unrecoverable.
		msg := "event rejected by homeserver"
		if err != nil {
			msg = err.Error()
		}
		r.publish(KindError, ErrorPayload{Room: r.id, Message: msg})
		r.pending = r.pending[1:]
	case err == nil:
		r.pending = r.pending[1:]
	default:
		retrying = true
		r.logger.Warn("retrying send",
			zap.Duration("backoff", r.retryBackoff),
			zap.Error(err))
	}

	if !retrying {
		r.lastTxnID = ""
		r.retryBackoff = r.retryMin
	}

	if len(r.pending) != 0 {
		if retrying {
			_ = r.machine.Transition(status.Backoff)
			d := r.retryBackoff
			r.retryBackoff = time.Duration(backoffMultiplier * float64(r.retryBackoff))
			if r.retryBackoff > r.retryMax {
				r.retryBackoff = r.retryMax
			}
			t := timer.NewTimer(d)
			r.retryTimer = t
			go func() {
				if _, ok := <-t.C; !ok {
					return
				}
				r.mu.Lock()
				defer r.mu.Unlock()
				r.transmitLocked()
			}()
		} else {
			_ = r.machine.Transition(status.Idle)
			r.transmitLocked()
		}
	} else {
		_ = r.machine.Transition(status.Idle)
	}
}

// SenderState returns the transmitter's current state.
func (r *Room) SenderState() status.State {
	return r.machine.Current()
}

// Close tears down the room's outbound side: the retry timer is dropped and
// any in-flight request is canceled.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	r.cancel()
	if r.machine.Current() != status.Idle {
		_ = r.machine.Transition(status.Idle)
	}
}
