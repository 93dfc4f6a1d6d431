package relay

import "errors"

var (
	ErrUnknownSession       = errors.New("relay: unknown session")
	ErrKeyNotInSession      = errors.New("relay: key not in session")
	ErrNotInitiator         = errors.New("relay: not the session initiator")
	ErrSessionClosed        = errors.New("relay: session closed")
	ErrEmptyParticipants    = errors.New("relay: empty participant set")
	ErrDuplicateKey         = errors.New("relay: duplicate participant key")
	ErrNotAMember           = errors.New("relay: sender is not a session member")
	ErrRecipientUnreachable = errors.New("relay: recipient unreachable")

	ErrUnknownMeeting     = errors.New("relay: unknown meeting")
	ErrUnknownParticipant = errors.New("relay: participant not in meeting")
	ErrAlreadyJoined      = errors.New("relay: participant already joined")
	ErrDuplicateID        = errors.New("relay: duplicate participant id")
	ErrMeetingComplete    = errors.New("relay: meeting already complete")
)
