package room

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	"maunium.net/go/mautrix/id"

	"github.com/kythyria/nachat/internal/event"
)

// MemberTx is one room's slice of a members-index write transaction. All
// writes for a sync delta share one transaction; the caller owns commit.
type MemberTx interface {
	Put(user id.UserID, data []byte) error
	Delete(user id.UserID) error
}

// MemberSource yields the persisted member records of one room, used to
// rebuild the in-memory state at startup.
type MemberSource interface {
	ForEach(fn func(user id.UserID, data []byte) error) error
}

// State is an authoritative snapshot of a room: metadata, members keyed by
// id, and the display-name index used for disambiguation. It never
// suspends; every operation runs to completion against the caller's
// transaction.
type State struct {
	name           string
	canonicalAlias string
	topic          string
	avatar         string
	aliases        []string

	members map[id.UserID]*Member

	// byDisplayName buckets user ids under their NFC-normalized display
	// name. Buckets hold the displayable members bearing that name, plus
	// the leave/ban placeholders created by EnsureMember; empty buckets
	// are removed.
	byDisplayName map[string][]id.UserID

	// departed holds the subject of a leave/ban between its dispatch and
	// the paired PruneDeparted, so the departing member can still be
	// named while the rest of the event is processed.
	departed id.UserID

	logger *zap.Logger
}

// NewState creates an empty snapshot.
func NewState(logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{
		members:       make(map[id.UserID]*Member),
		byDisplayName: make(map[string][]id.UserID),
		logger:        logger,
	}
}

// StateSnapshot is the persisted form of a room's metadata. Members are not
// part of it; they live in the members index.
type StateSnapshot struct {
	Name           string   `json:"name,omitempty"`
	CanonicalAlias string   `json:"canonical_alias,omitempty"`
	Topic          string   `json:"topic,omitempty"`
	Avatar         string   `json:"avatar,omitempty"`
	Aliases        []string `json:"aliases"`
}

// NewStateFromSnapshot restores a snapshot, cursor-scanning the room's
// persisted member records into the name index.
func NewStateFromSnapshot(snap StateSnapshot, members MemberSource, logger *zap.Logger) (*State, error) {
	s := NewState(logger)
	s.name = snap.Name
	s.canonicalAlias = snap.CanonicalAlias
	s.topic = snap.Topic
	s.avatar = snap.Avatar
	s.aliases = append([]string(nil), snap.Aliases...)

	if members != nil {
		err := members.ForEach(func(user id.UserID, data []byte) error {
			m, err := NewMemberFromJSON(user, data)
			if err != nil {
				return fmt.Errorf("member record %s: %w", user, err)
			}
			s.members[user] = m
			s.recordDisplayName(user, m.DisplayName, nil)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Snapshot returns the persistable metadata.
func (s *State) Snapshot() StateSnapshot {
	return StateSnapshot{
		Name:           s.name,
		CanonicalAlias: s.canonicalAlias,
		Topic:          s.topic,
		Avatar:         s.avatar,
		Aliases:        append([]string{}, s.aliases...),
	}
}

// Clone deep-copies the snapshot, members included.
func (s *State) Clone() *State {
	c := NewState(s.logger)
	c.name = s.name
	c.canonicalAlias = s.canonicalAlias
	c.topic = s.topic
	c.avatar = s.avatar
	c.aliases = append([]string(nil), s.aliases...)
	for user, m := range s.members {
		copied := *m
		c.members[user] = &copied
	}
	for key, vec := range s.byDisplayName {
		c.byDisplayName[key] = append([]id.UserID(nil), vec...)
	}
	c.departed = s.departed
	return c
}

// Name returns the m.room.name value, or "".
func (s *State) Name() string { return s.name }

// CanonicalAlias returns the m.room.canonical_alias value, or "".
func (s *State) CanonicalAlias() string { return s.canonicalAlias }

// Topic returns the m.room.topic value, or "".
func (s *State) Topic() string { return s.topic }

// Avatar returns the m.room.avatar URL, or "".
func (s *State) Avatar() string { return s.avatar }

// Aliases returns the merged alias list.
func (s *State) Aliases() []string { return s.aliases }

// Members returns every known member.
func (s *State) Members() []*Member {
	result := make([]*Member, 0, len(s.members))
	for _, m := range s.members {
		result = append(result, m)
	}
	return result
}

// MemberFromID returns the member with the given id, or nil.
func (s *State) MemberFromID(user id.UserID) *Member {
	return s.members[user]
}

// MembersNamed returns the ids indexed under the given display name,
// NFC-normalized: the displayable members bearing it, plus any EnsureMember
// placeholders.
func (s *State) MembersNamed(displayName string) []id.UserID {
	return s.byDisplayName[norm.NFC.String(displayName)]
}

// PrettyName renders a human-readable room name per the client-server spec
// recommendation: explicit name, then canonical alias, then the first known
// alias (non-standard, but matches the reference web client), then a name
// computed from the displayable members other than ownID.
func (s *State) PrettyName(ownID id.UserID) string {
	if s.name != "" {
		return s.name
	}
	if s.canonicalAlias != "" {
		return s.canonicalAlias
	}
	if len(s.aliases) != 0 {
		return s.aliases[0]
	}
	var ms []*Member
	for _, m := range s.members {
		if m.ID != ownID && m.Membership.Displayable() {
			ms = append(ms, m)
		}
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
	switch len(ms) {
	case 0:
		return "Empty room"
	case 1:
		return ms[0].PrettyName()
	case 2:
		return fmt.Sprintf("%s and %s", s.MemberName(ms[0]), s.MemberName(ms[1]))
	default:
		return fmt.Sprintf("%s and %d others", s.MemberName(ms[0]), len(ms)-1)
	}
}

// MemberDisambiguation returns the suffix that distinguishes the member
// from others with a colliding name, or "" when none is needed. A member
// with no display name collides when some other user's display name equals
// this member's id; a named member collides when the name is shared or
// shadows another user's id.
func (s *State) MemberDisambiguation(m *Member) string {
	if m.DisplayName == "" {
		if len(s.byDisplayName[string(m.ID)]) > 0 {
			return string(m.ID)
		}
		return ""
	}
	if len(s.MembersNamed(m.DisplayName)) > 1 || s.members[id.UserID(m.DisplayName)] != nil {
		return string(m.ID)
	}
	return ""
}

// MemberName renders the member's name with its disambiguation suffix.
func (s *State) MemberName(m *Member) string {
	disambig := s.MemberDisambiguation(m)
	if disambig == "" {
		return m.PrettyName()
	}
	return m.PrettyName() + " (" + disambig + ")"
}

// otherAffected identifies the at most one member whose disambiguation
// status flips as a side effect of recording or forgetting a name. Two
// candidates can exist: the single remaining holder of the name, and the
// user whose id the name shadows. When both exist the status of neither
// flips, so nothing is reported.
func (s *State) otherAffected(vec []id.UserID, skip id.UserID, normalized string) *Member {
	existingDisplayName := len(vec) == 2
	existingMXID := s.members[id.UserID(normalized)]
	if existingDisplayName && existingMXID != nil {
		return nil
	}
	var other *Member
	if existingDisplayName {
		otherID := vec[0]
		if otherID == skip {
			otherID = vec[1]
		}
		other = s.members[otherID]
	}
	if existingMXID != nil {
		other = existingMXID
	}
	return other
}

// recordDisplayName adds the member to the name index and reports the
// member newly forced into (or out of) disambiguation by the collision.
// Recording the same id twice is a protocol violation and panics.
func (s *State) recordDisplayName(user id.UserID, name string, n Notifier) {
	if name == "" {
		return
	}
	key := norm.NFC.String(name)
	vec := s.byDisplayName[key]
	for _, existing := range vec {
		if existing == user {
			panic(fmt.Sprintf("display name %q already recorded for %s", key, user))
		}
	}
	vec = append(vec, user)
	s.byDisplayName[key] = vec

	if n == nil {
		return
	}
	// The appended id sits at the back; any pre-existing holder is at the
	// front. That holder was unambiguous until now.
	if other := s.otherAffected(vec, user, key); other != nil {
		n.MemberDisambiguationChanged(other, "")
	}
}

// forgetDisplayName removes the member from the name index, reporting the
// member whose disambiguation the removal resolves. The previous suffix is
// captured before the index changes.
func (s *State) forgetDisplayName(user id.UserID, oldName string, n Notifier) {
	if oldName == "" {
		return
	}
	key := norm.NFC.String(oldName)
	vec := s.byDisplayName[key]

	var other *Member
	otherDisambiguation := ""
	if n != nil {
		other = s.otherAffected(vec, user, key)
		if other != nil {
			otherDisambiguation = s.MemberDisambiguation(other)
		}
	}

	before := len(vec)
	kept := vec[:0]
	for _, existing := range vec {
		if existing != user {
			kept = append(kept, existing)
		}
	}
	if before-len(kept) != 1 {
		panic(fmt.Sprintf("display name %q not recorded exactly once for %s", key, user))
	}
	if len(kept) == 0 {
		delete(s.byDisplayName, key)
	} else {
		s.byDisplayName[key] = kept
	}

	if other != nil {
		n.MemberDisambiguationChanged(other, otherDisambiguation)
	}
}

// Dispatch forward-applies a state event, persisting member changes through
// mtx when provided and reporting changes through n when provided. It
// returns whether the snapshot changed; an error aborts the caller's
// transaction.
func (s *State) Dispatch(ev *event.Event, n Notifier, mtx MemberTx) (bool, error) {
	switch ev.Type {
	case event.Message:
		return false, nil
	case event.Aliases:
		// Merge rather than replace: alias events are per origin server,
		// and servers only know their own.
		seen := make(map[string]bool, len(s.aliases))
		for _, a := range s.aliases {
			seen[a] = true
		}
		added := false
		for _, a := range gjson.GetBytes(ev.Content, "aliases").Array() {
			if alias := a.String(); alias != "" && !seen[alias] {
				seen[alias] = true
				s.aliases = append(s.aliases, alias)
				added = true
			}
		}
		if n != nil {
			n.AliasesChanged()
		}
		return added, nil
	case event.CanonicalAlias:
		old := s.canonicalAlias
		s.canonicalAlias = gjson.GetBytes(ev.Content, "alias").String()
		if n != nil && s.canonicalAlias != old {
			n.CanonicalAliasChanged()
		}
		return s.canonicalAlias != old, nil
	case event.Name:
		old := s.name
		s.name = gjson.GetBytes(ev.Content, "name").String()
		if n != nil && s.name != old {
			n.NameChanged()
		}
		return s.name != old, nil
	case event.Topic:
		old := s.topic
		s.topic = gjson.GetBytes(ev.Content, "topic").String()
		if n != nil && s.topic != old {
			n.TopicChanged(old)
		}
		return s.topic != old, nil
	case event.Avatar:
		old := s.avatar
		s.avatar = gjson.GetBytes(ev.Content, "url").String()
		if n != nil && s.avatar != old {
			n.AvatarChanged()
		}
		return s.avatar != old, nil
	case event.Create:
		// Nothing to do: room data structures are created implicitly.
		return false, nil
	case event.Member:
		return s.UpdateMembership(id.UserID(ev.GetStateKey()), ev.Content, n, mtx)
	default:
		s.logger.Debug("unrecognized state event type", zap.String("type", ev.Type))
		return false, nil
	}
}

// Apply forward-applies an event with no notifications and no persistence,
// used when replaying history into a snapshot.
func (s *State) Apply(ev *event.Event) {
	_, _ = s.Dispatch(ev, nil, nil)
}

// UpdateMembership applies member event content for user. Empty content is
// treated as leave; it arises when replaying backwards past the earliest
// known state.
func (s *State) UpdateMembership(user id.UserID, content json.RawMessage, n Notifier, mtx MemberTx) (bool, error) {
	var membership Membership
	if event.IsEmptyContent(content) {
		membership = MembershipLeave
	} else {
		parsed, err := ParseMembership(gjson.GetBytes(content, "membership").String())
		if err != nil {
			s.logger.Warn("malformed member event", zap.String("user", string(user)), zap.Error(err))
			return false, nil
		}
		membership = parsed
	}

	changed := false
	switch membership {
	case MembershipInvite, MembershipJoin:
		member, ok := s.members[user]
		if !ok {
			member = NewMember(user)
			s.members[user] = member
		}
		oldMembership := member.Membership
		oldDisplayName := member.DisplayName
		oldAvatarURL := member.AvatarURL
		oldMemberName := s.MemberName(member)
		member.UpdateMembership(content)
		changed = !ok || member.Membership != oldMembership ||
			member.DisplayName != oldDisplayName || member.AvatarURL != oldAvatarURL
		if member.DisplayName != oldDisplayName {
			s.forgetDisplayName(user, oldDisplayName, n)
			s.recordDisplayName(user, member.DisplayName, n)
			if n != nil && oldMembership.Displayable() {
				n.MemberNameChanged(member, oldMemberName)
			}
		}
		if n != nil && member.Membership != oldMembership {
			n.MembershipChanged(member, member.Membership)
		}
		if mtx != nil {
			data, err := member.ToJSON()
			if err != nil {
				return false, fmt.Errorf("serialize member %s: %w", user, err)
			}
			if err := mtx.Put(user, data); err != nil {
				return false, fmt.Errorf("persist member %s: %w", user, err)
			}
		}

	case MembershipLeave, MembershipBan:
		if n != nil {
			n.Left(user, membership)
		}
		if member, ok := s.members[user]; ok {
			changed = true
			oldDisplayName := member.DisplayName
			member.UpdateMembership(content)
			if member.DisplayName != oldDisplayName {
				s.forgetDisplayName(user, oldDisplayName, n)
				s.recordDisplayName(user, member.DisplayName, n)
			}
			if n != nil {
				n.MembershipChanged(member, membership)
			}
			if s.departed != "" {
				panic(fmt.Sprintf("departure of %s dispatched while %s still pending", user, s.departed))
			}
			s.departed = user
		}
		if mtx != nil {
			if err := mtx.Delete(user); err != nil {
				return false, fmt.Errorf("remove member %s: %w", user, err)
			}
		}
	}
	return changed, nil
}

// PruneDeparted removes the member recorded by the last leave/ban dispatch.
// It must run after every timeline event that may have affected membership
// so subsequent naming is correct.
func (s *State) PruneDeparted(n Notifier) {
	if s.departed == "" {
		return
	}
	member := s.members[s.departed]
	s.forgetDisplayName(s.departed, member.DisplayName, n)
	delete(s.members, s.departed)
	s.departed = ""
}

// Revert undoes a state event using unsigned.prev_content, for replaying
// backward through history. Alias merges are not invertible and stay put.
func (s *State) Revert(ev *event.Event) {
	switch ev.Type {
	case event.Message:
		return
	case event.CanonicalAlias:
		s.canonicalAlias = gjson.GetBytes(ev.PrevContent(), "alias").String()
	case event.Name:
		s.name = gjson.GetBytes(ev.PrevContent(), "name").String()
	case event.Topic:
		s.topic = gjson.GetBytes(ev.PrevContent(), "topic").String()
	case event.Avatar:
		s.avatar = gjson.GetBytes(ev.PrevContent(), "url").String()
	case event.Member:
		_, _ = s.UpdateMembership(id.UserID(ev.GetStateKey()), ev.PrevContent(), nil, nil)
		s.PruneDeparted(nil)
	}
}

// EnsureMember idempotently creates a placeholder for the leave/ban subject
// of a historical member event, so departed users can still be rendered in
// past messages. The display name at departure comes from prev_content.
func (s *State) EnsureMember(ev *event.Event) {
	if ev.Type != event.Member {
		return
	}
	membership, err := ParseMembership(gjson.GetBytes(ev.Content, "membership").String())
	if err != nil {
		s.logger.Warn("malformed member event", zap.String("user", ev.GetStateKey()), zap.Error(err))
		return
	}
	switch membership {
	case MembershipLeave, MembershipBan:
		user := id.UserID(ev.GetStateKey())
		if _, ok := s.members[user]; ok {
			return
		}
		member := NewMember(user)
		s.members[user] = member
		if prev := ev.PrevContent(); len(prev) > 0 {
			member.UpdateMembership(prev)
		}
		// The event's own fields overlay prev_content; fields it omits keep
		// their prev_content value.
		content := gjson.ParseBytes(ev.Content)
		if name := content.Get("displayname"); name.Exists() {
			member.DisplayName = name.String()
		}
		if avatar := content.Get("avatar_url"); avatar.Exists() {
			member.AvatarURL = avatar.String()
		}
		member.Membership = membership
		s.recordDisplayName(user, member.DisplayName, nil)
	}
}
