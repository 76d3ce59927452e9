package domain

import "errors"

// MaxRoomIDLen bounds room ids before they reach signaling, logs and file names.
const MaxRoomIDLen = 64

var (
	ErrEmptyRoom   = errors.New("room id empty")
	ErrRoomTooLong = errors.New("room id too long")
)

type RoomID string

// RoomIdentity scopes everything a session negotiates.
type RoomIdentity struct {
	Room RoomID `json:"roomId"`
	User UserID `json:"userId"`
}

func NewRoomIdentity(room, user string) (RoomIdentity, error) {
	id := RoomIdentity{Room: RoomID(room), User: UserID(user)}
	if err := id.Validate(); err != nil {
		return RoomIdentity{}, err
	}
	return id, nil
}

func (id RoomIdentity) Validate() error {
	if len(id.Room) == 0 {
		return ErrEmptyRoom
	}
	if len(id.Room) > MaxRoomIDLen {
		return ErrRoomTooLong
	}
	return id.User.Validate()
}
