package room

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

// Member is one user's record within a room. DisplayName and AvatarURL are
// optional; "" means unset. A member constructed from an id alone starts as
// leave until a membership event says otherwise.
type Member struct {
	ID          id.UserID  `json:"-"`
	DisplayName string     `json:"displayname,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Membership  Membership `json:"membership"`
}

// NewMember creates a member known only by id.
func NewMember(user id.UserID) *Member {
	return &Member{ID: user, Membership: MembershipLeave}
}

// NewMemberFromJSON restores a member from its serialized record in the
// members index.
func NewMemberFromJSON(user id.UserID, data []byte) (*Member, error) {
	m := NewMember(user)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	if m.Membership == "" {
		m.Membership = MembershipLeave
	}
	return m, nil
}

// PrettyName returns the display name, falling back to the id.
func (m *Member) PrettyName() string {
	if m.DisplayName == "" {
		return string(m.ID)
	}
	return m.DisplayName
}

// UpdateMembership overwrites display name, avatar and membership from
// member event content. Fields absent in content clear the corresponding
// optional. The membership field must already be validated; empty content
// means leave.
func (m *Member) UpdateMembership(content json.RawMessage) {
	c := gjson.ParseBytes(content)
	m.DisplayName = c.Get("displayname").String()
	m.AvatarURL = c.Get("avatar_url").String()
	if ms := c.Get("membership"); ms.Exists() {
		if parsed, err := ParseMembership(ms.String()); err == nil {
			m.Membership = parsed
		}
	} else {
		m.Membership = MembershipLeave
	}
}

// ToJSON serializes the member for the members index.
func (m *Member) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
