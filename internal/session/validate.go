package session

import (
	"fmt"
	"strings"
)

// ValidateUserID checks that userID looks like a full Matrix user id,
// "@localpart:domain".
func ValidateUserID(userID string) error {
	if !strings.HasPrefix(userID, "@") {
		return fmt.Errorf("invalid user id %q: must start with @", userID)
	}
	rest := userID[1:]
	sep := strings.IndexByte(rest, ':')
	if sep <= 0 || sep == len(rest)-1 {
		return fmt.Errorf("invalid user id %q: must be @localpart:domain", userID)
	}
	return nil
}
