package room

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"

	"github.com/kythyria/nachat/internal/event"
)

// Transport issues client-server API requests on the room's behalf. Paths
// arrive relative to /_matrix/ with their segments percent-encoded. The
// returned status is 0 when the server was never reached; a non-2xx status
// comes with a non-nil error.
type Transport interface {
	GetJSON(ctx context.Context, path string, query url.Values, out any) (int, error)
	PostJSON(ctx context.Context, path string, body, out any) (int, error)
	PutJSON(ctx context.Context, path string, body, out any) (int, error)
}

// Direction selects which way a history fetch walks the timeline.
type Direction string

const (
	// Forward pages from older to newer events.
	Forward Direction = "f"
	// Backward pages from newer to older events.
	Backward Direction = "b"
)

// ResponseShapeError reports a well-formed HTTP reply whose JSON body is
// missing a required attribute or carries it with the wrong type.
type ResponseShapeError struct {
	Attribute string
}

func (e *ResponseShapeError) Error() string {
	return fmt.Sprintf("invalid or missing %q attribute in server's response", e.Attribute)
}

// MessageChunk is one page of history from the messages endpoint.
type MessageChunk struct {
	Start  string
	End    string
	Events []event.Event
}

// Messages fetches a page of history starting at the given token. limit of
// 0 leaves the page size to the server; to may name a token to stop at.
func (r *Room) Messages(ctx context.Context, dir Direction, from string, limit uint64, to string) (*MessageChunk, error) {
	query := url.Values{}
	query.Set("from", from)
	query.Set("dir", string(dir))
	if limit != 0 {
		query.Set("limit", strconv.FormatUint(limit, 10))
	}
	if to != "" {
		query.Set("to", to)
	}

	var raw json.RawMessage
	if _, err := r.transport.GetJSON(ctx, "client/r0/rooms/"+url.PathEscape(string(r.id))+"/messages", query, &raw); err != nil {
		return nil, err
	}

	root := gjson.ParseBytes(raw)
	start := root.Get("start")
	if start.Type != gjson.String {
		return nil, &ResponseShapeError{Attribute: "start"}
	}
	end := root.Get("end")
	if end.Type != gjson.String {
		return nil, &ResponseShapeError{Attribute: "end"}
	}
	chunk := root.Get("chunk")
	if !chunk.IsArray() {
		return nil, &ResponseShapeError{Attribute: "chunk"}
	}

	var events []event.Event
	if err := json.Unmarshal([]byte(chunk.Raw), &events); err != nil {
		return nil, fmt.Errorf("decode chunk events: %w", err)
	}
	return &MessageChunk{Start: start.String(), End: end.String(), Events: events}, nil
}

// Leave asks the homeserver to leave the room.
func (r *Room) Leave(ctx context.Context) error {
	_, err := r.transport.PostJSON(ctx, "client/r0/rooms/"+url.PathEscape(string(r.id))+"/leave", nil, nil)
	return err
}

// Redact removes an event's content. Redactions bypass the send queue;
// each gets its own transaction id.
func (r *Room) Redact(ctx context.Context, eventID id.EventID, reason string) error {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	path := "client/r0/rooms/" + url.PathEscape(string(r.id)) +
		"/redact/" + url.PathEscape(string(eventID)) +
		"/" + url.PathEscape(r.session.TxnID())
	_, err := r.transport.PutJSON(ctx, path, body, nil)
	return err
}

// SendReadReceipt marks the given event as read.
func (r *Room) SendReadReceipt(ctx context.Context, eventID id.EventID) error {
	path := "client/r0/rooms/" + url.PathEscape(string(r.id)) +
		"/receipt/m.read/" + url.PathEscape(string(eventID))
	_, err := r.transport.PostJSON(ctx, path, nil, nil)
	return err
}
