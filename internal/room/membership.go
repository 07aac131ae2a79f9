package room

import "fmt"

// Membership is a user's membership state in a room.
type Membership string

// The membership states defined by the client-server spec. Knock and other
// newer states are not handled by this engine.
const (
	MembershipInvite Membership = "invite"
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
)

// ParseMembership parses the membership field of an m.room.member event.
// Unknown values are rejected.
func ParseMembership(s string) (Membership, error) {
	switch Membership(s) {
	case MembershipInvite, MembershipJoin, MembershipLeave, MembershipBan:
		return Membership(s), nil
	default:
		return "", fmt.Errorf("unrecognized membership type %q", s)
	}
}

// Displayable reports whether a membership participates in naming per
// spec 11.2.2.3.
func (m Membership) Displayable() bool {
	return m == MembershipJoin || m == MembershipInvite
}
