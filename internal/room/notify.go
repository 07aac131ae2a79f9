package room

import (
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/kythyria/nachat/internal/bus"
	"github.com/kythyria/nachat/internal/event"
)

// Notifier receives state change reports during a dispatch. A nil Notifier
// is allowed everywhere and means "apply silently". Room is the production
// implementation; it republishes on the session bus.
type Notifier interface {
	AliasesChanged()
	CanonicalAliasChanged()
	NameChanged()
	TopicChanged(old string)
	AvatarChanged()
	MemberNameChanged(m *Member, oldName string)
	MembershipChanged(m *Member, membership Membership)
	MemberDisambiguationChanged(m *Member, old string)
	Left(user id.UserID, membership Membership)
}

// Notification kinds published by rooms, all under the "room." namespace.
const (
	KindMessage                     = "room.message"
	KindStateChanged                = "room.state_changed"
	KindNameChanged                 = "room.name_changed"
	KindCanonicalAliasChanged       = "room.canonical_alias_changed"
	KindAliasesChanged              = "room.aliases_changed"
	KindTopicChanged                = "room.topic_changed"
	KindAvatarChanged               = "room.avatar_changed"
	KindMemberNameChanged           = "room.member_name_changed"
	KindMembershipChanged           = "room.membership_changed"
	KindMemberDisambiguationChanged = "room.member_disambiguation_changed"
	KindLeft                        = "room.left"
	KindDiscontinuity               = "room.discontinuity"
	KindPrevBatch                   = "room.prev_batch"
	KindReceiptsChanged             = "room.receipts_changed"
	KindTypingChanged               = "room.typing_changed"
	KindHighlightCountChanged       = "room.highlight_count_changed"
	KindNotificationCountChanged    = "room.notification_count_changed"
	KindError                       = "room.error"
)

// RoomPayload accompanies notifications that carry no data beyond the room.
type RoomPayload struct {
	Room id.RoomID
}

// MessagePayload accompanies KindMessage.
type MessagePayload struct {
	Room  id.RoomID
	Event *event.Event
}

// TopicPayload accompanies KindTopicChanged; OldTopic is the replaced value.
type TopicPayload struct {
	Room     id.RoomID
	OldTopic string
}

// MemberNamePayload accompanies KindMemberNameChanged; OldName is the
// previously rendered (disambiguated) name.
type MemberNamePayload struct {
	Room    id.RoomID
	User    id.UserID
	OldName string
}

// MembershipPayload accompanies KindMembershipChanged.
type MembershipPayload struct {
	Room       id.RoomID
	User       id.UserID
	Membership Membership
}

// DisambiguationPayload accompanies KindMemberDisambiguationChanged; Old is
// the member's disambiguation suffix before the change.
type DisambiguationPayload struct {
	Room id.RoomID
	User id.UserID
	Old  string
}

// LeftPayload accompanies KindLeft, fired when the current user leaves or
// is banned.
type LeftPayload struct {
	Room       id.RoomID
	Membership Membership
}

// PrevBatchPayload accompanies KindPrevBatch with the new history token.
type PrevBatchPayload struct {
	Room      id.RoomID
	PrevBatch string
}

// CountPayload accompanies the unread counter notifications; Old is the
// replaced value.
type CountPayload struct {
	Room id.RoomID
	Old  int
}

// TypingPayload accompanies KindTypingChanged with the current typers.
type TypingPayload struct {
	Room  id.RoomID
	Users []id.UserID
}

// ErrorPayload accompanies KindError.
type ErrorPayload struct {
	Room    id.RoomID
	Message string
}

func (r *Room) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Notification{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// AliasesChanged implements Notifier.
func (r *Room) AliasesChanged() {
	r.publish(KindAliasesChanged, RoomPayload{Room: r.id})
}

// CanonicalAliasChanged implements Notifier.
func (r *Room) CanonicalAliasChanged() {
	r.publish(KindCanonicalAliasChanged, RoomPayload{Room: r.id})
}

// NameChanged implements Notifier.
func (r *Room) NameChanged() {
	r.publish(KindNameChanged, RoomPayload{Room: r.id})
}

// TopicChanged implements Notifier.
func (r *Room) TopicChanged(old string) {
	r.publish(KindTopicChanged, TopicPayload{Room: r.id, OldTopic: old})
}

// AvatarChanged implements Notifier.
func (r *Room) AvatarChanged() {
	r.publish(KindAvatarChanged, RoomPayload{Room: r.id})
}

// MemberNameChanged implements Notifier.
func (r *Room) MemberNameChanged(m *Member, oldName string) {
	r.publish(KindMemberNameChanged, MemberNamePayload{Room: r.id, User: m.ID, OldName: oldName})
}

// MembershipChanged implements Notifier.
func (r *Room) MembershipChanged(m *Member, membership Membership) {
	r.publish(KindMembershipChanged, MembershipPayload{Room: r.id, User: m.ID, Membership: membership})
}

// MemberDisambiguationChanged implements Notifier.
func (r *Room) MemberDisambiguationChanged(m *Member, old string) {
	r.publish(KindMemberDisambiguationChanged, DisambiguationPayload{Room: r.id, User: m.ID, Old: old})
}

// Left implements Notifier. Only a departure of the current user is
// surfaced.
func (r *Room) Left(user id.UserID, membership Membership) {
	if user != r.session.UserID() {
		return
	}
	r.publish(KindLeft, LeftPayload{Room: r.id, Membership: membership})
}
