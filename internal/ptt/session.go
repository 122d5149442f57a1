package ptt

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// DefaultRoom is used when no room is configured.
const DefaultRoom = "lobby"

var roomPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// SessionContext carries the identity of the local peer and the room it talks in.
// It is constructed once and handed to every component that needs it.
type SessionContext struct {
	LocalID string
	Room    string
}

// NewSessionContext builds a session, generating a random identity when
// localID is empty and falling back to DefaultRoom.
func NewSessionContext(localID, room string) (SessionContext, error) {
	if localID == "" {
		localID = uuid.NewString()
	}
	if room == "" {
		room = DefaultRoom
	}
	if err := ValidateRoom(room); err != nil {
		return SessionContext{}, err
	}
	return SessionContext{LocalID: localID, Room: room}, nil
}

// ValidateRoom checks that a room name is safe to use in URLs and store keys.
func ValidateRoom(room string) error {
	if !roomPattern.MatchString(room) {
		return fmt.Errorf("invalid room name %q", room)
	}
	return nil
}

// StoreKey returns the shared-store document key for the session's room.
func (s SessionContext) StoreKey() string {
	return "audio/" + s.Room
}

// IsLocal reports whether sender is this peer.
func (s SessionContext) IsLocal(sender string) bool {
	return sender == s.LocalID
}
