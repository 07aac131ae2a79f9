package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/unicode/norm"
	"maunium.net/go/mautrix/id"

	"github.com/kythyria/nachat/internal/event"
)

var errTestStorage = errors.New("disk full")

// waitFor polls cond until it holds or the deadline passes. The sender
// completes on its own goroutine, so tests wait for its effects.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// fakeSession hands out predictable transaction ids.
type fakeSession struct {
	mu     sync.Mutex
	user   id.UserID
	buffer int
	next   int
}

func newFakeSession(user id.UserID, buffer int) *fakeSession {
	return &fakeSession{user: user, buffer: buffer}
}

func (f *fakeSession) UserID() id.UserID { return f.user }
func (f *fakeSession) BufferSize() int   { return f.buffer }
func (f *fakeSession) TxnID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("txn%d", f.next)
}

type transportCall struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

type transportResult struct {
	Code int
	Err  error
	Body string
}

// fakeTransport replays a scripted list of results and records every call.
// Each recorded call is also delivered on Calls so tests can wait for the
// sender goroutine.
type fakeTransport struct {
	mu       sync.Mutex
	script   []transportResult
	recorded []transportCall
	Calls    chan transportCall
	// Block, when non-nil, is received from before each call returns.
	Block chan struct{}
}

func newFakeTransport(script ...transportResult) *fakeTransport {
	return &fakeTransport{script: script, Calls: make(chan transportCall, 16)}
}

func (f *fakeTransport) do(method, path string, query url.Values, body, out any) (int, error) {
	call := transportCall{Method: method, Path: path, Query: query, Body: body}
	f.mu.Lock()
	f.recorded = append(f.recorded, call)
	var res transportResult
	if len(f.script) > 0 {
		res = f.script[0]
		f.script = f.script[1:]
	} else {
		res = transportResult{Code: 200}
	}
	f.mu.Unlock()

	if f.Block != nil {
		<-f.Block
	}
	if res.Body != "" && out != nil && res.Err == nil {
		if err := json.Unmarshal([]byte(res.Body), out); err != nil {
			return res.Code, err
		}
	}
	select {
	case f.Calls <- call:
	default:
	}
	return res.Code, res.Err
}

func (f *fakeTransport) GetJSON(_ context.Context, path string, query url.Values, out any) (int, error) {
	return f.do("GET", path, query, nil, out)
}

func (f *fakeTransport) PostJSON(_ context.Context, path string, body, out any) (int, error) {
	return f.do("POST", path, nil, body, out)
}

func (f *fakeTransport) PutJSON(_ context.Context, path string, body, out any) (int, error) {
	return f.do("PUT", path, nil, body, out)
}

func (f *fakeTransport) calls() []transportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transportCall(nil), f.recorded...)
}

// fakeMemberTx records member-index writes and doubles as a MemberSource
// over the records it accumulated.
type fakeMemberTx struct {
	records map[id.UserID][]byte
	puts    int
	deletes int
	failPut error
}

func newFakeMemberTx() *fakeMemberTx {
	return &fakeMemberTx{records: make(map[id.UserID][]byte)}
}

func (f *fakeMemberTx) Put(user id.UserID, data []byte) error {
	if f.failPut != nil {
		return f.failPut
	}
	f.puts++
	f.records[user] = append([]byte(nil), data...)
	return nil
}

func (f *fakeMemberTx) Delete(user id.UserID) error {
	f.deletes++
	delete(f.records, user)
	return nil
}

func (f *fakeMemberTx) ForEach(fn func(user id.UserID, data []byte) error) error {
	users := make([]id.UserID, 0, len(f.records))
	for u := range f.records {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	for _, u := range users {
		if err := fn(u, f.records[u]); err != nil {
			return err
		}
	}
	return nil
}

// recordingNotifier collects notifier callbacks as readable strings.
type recordingNotifier struct {
	calls []string
}

func (r *recordingNotifier) AliasesChanged()        { r.calls = append(r.calls, "aliases") }
func (r *recordingNotifier) CanonicalAliasChanged() { r.calls = append(r.calls, "canonical_alias") }
func (r *recordingNotifier) NameChanged()           { r.calls = append(r.calls, "name") }
func (r *recordingNotifier) TopicChanged(old string) {
	r.calls = append(r.calls, fmt.Sprintf("topic:%q", old))
}
func (r *recordingNotifier) AvatarChanged() { r.calls = append(r.calls, "avatar") }
func (r *recordingNotifier) MemberNameChanged(m *Member, oldName string) {
	r.calls = append(r.calls, fmt.Sprintf("member_name:%s:%q", m.ID, oldName))
}
func (r *recordingNotifier) MembershipChanged(m *Member, membership Membership) {
	r.calls = append(r.calls, fmt.Sprintf("membership:%s:%s", m.ID, membership))
}
func (r *recordingNotifier) MemberDisambiguationChanged(m *Member, old string) {
	r.calls = append(r.calls, fmt.Sprintf("disambiguation:%s:%q", m.ID, old))
}
func (r *recordingNotifier) Left(user id.UserID, membership Membership) {
	r.calls = append(r.calls, fmt.Sprintf("left:%s:%s", user, membership))
}

func (r *recordingNotifier) count(prefix string) int {
	n := 0
	for _, c := range r.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// Event builders.

func stateEv(evType, stateKey, content string) event.Event {
	sk := stateKey
	return event.Event{Type: evType, StateKey: &sk, Content: json.RawMessage(content)}
}

func memberEv(user id.UserID, content string) event.Event {
	return stateEv(event.Member, string(user), content)
}

func memberEvWithPrev(user id.UserID, content, prev string) event.Event {
	ev := memberEv(user, content)
	ev.Unsigned = &event.Unsigned{PrevContent: json.RawMessage(prev)}
	return ev
}

func joinEv(user id.UserID, displayName string) event.Event {
	content := `{"membership":"join"}`
	if displayName != "" {
		content = fmt.Sprintf(`{"membership":"join","displayname":%q}`, displayName)
	}
	ev := memberEv(user, content)
	ev.Sender = user
	return ev
}

func leaveEv(user id.UserID) event.Event {
	ev := memberEv(user, `{"membership":"leave"}`)
	ev.Sender = user
	return ev
}

func msgEv(sender id.UserID, eventID id.EventID) event.Event {
	return event.Event{
		Type:    event.Message,
		Sender:  sender,
		ID:      eventID,
		Content: json.RawMessage(`{"msgtype":"m.text","body":"hi"}`),
	}
}

// stateDigest is a comparable projection of a State.
type stateDigest struct {
	Snap     StateSnapshot
	Members  map[id.UserID]Member
	Index    map[string][]id.UserID
	Departed id.UserID
}

func digest(s *State) stateDigest {
	d := stateDigest{
		Snap:     s.Snapshot(),
		Members:  map[id.UserID]Member{},
		Index:    map[string][]id.UserID{},
		Departed: s.departed,
	}
	for u, m := range s.members {
		d.Members[u] = *m
	}
	for k, v := range s.byDisplayName {
		d.Index[k] = append([]id.UserID(nil), v...)
	}
	return d
}

// wantNameIndex recomputes the display-name index from scratch: every
// displayable member with a display name, bucketed under the NFC key.
func wantNameIndex(s *State) map[string][]id.UserID {
	want := map[string][]id.UserID{}
	for u, m := range s.members {
		if m.DisplayName != "" && m.Membership.Displayable() {
			key := norm.NFC.String(m.DisplayName)
			want[key] = append(want[key], u)
		}
	}
	for _, vec := range want {
		sort.Slice(vec, func(i, j int) bool { return vec[i] < vec[j] })
	}
	return want
}

func gotNameIndex(s *State) map[string][]id.UserID {
	got := map[string][]id.UserID{}
	for k, v := range s.byDisplayName {
		vec := append([]id.UserID(nil), v...)
		sort.Slice(vec, func(i, j int) bool { return vec[i] < vec[j] })
		got[k] = vec
	}
	return got
}
