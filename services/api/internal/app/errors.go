package app

import "errors"

// Kind classifies workflow errors for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindConflict
	KindValidation
	KindUnavailable
)

// Error is a client-facing workflow error. Msg is safe to return to callers.
type Error struct {
	Kind Kind
	Msg  string
	base *Error
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error {
	if e.base == nil {
		return nil
	}
	return e.base
}

// withMsg keeps e's identity for errors.Is while replacing the message.
func (e *Error) withMsg(msg string) error {
	return &Error{Kind: e.Kind, Msg: msg, base: e}
}

func newErr(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// KindOf reports the kind of err, KindInternal for anything unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrUserNotFound           = newErr(KindNotFound, "User not found")
	ErrContactNotFound        = newErr(KindNotFound, "Contact not found")
	ErrChatNotFound           = newErr(KindNotFound, "Chat not found")
	ErrMessageNotFound        = newErr(KindNotFound, "Message not found")
	ErrNotificationNotFound   = newErr(KindNotFound, "Notification not found")
	ErrContactRequestNotFound = newErr(KindNotFound, "Contact request not found")

	// ErrInvalidCredentials does not say which of email or password was wrong.
	ErrInvalidCredentials = newErr(KindUnauthorized, "Invalid credentials")
	ErrNoToken            = newErr(KindUnauthorized, "No token, authorization denied")
	ErrTokenExpired       = newErr(KindUnauthorized, "Token has expired")
	ErrTokenInvalid       = newErr(KindUnauthorized, "Token is not valid")
	ErrUserGone           = newErr(KindUnauthorized, "User does not exist")
	ErrNotParticipant     = newErr(KindUnauthorized, "Unauthorized")
	ErrNotSender          = newErr(KindUnauthorized, "Unauthorized: You can only change your own messages")

	ErrBlocked         = newErr(KindForbidden, "You have blocked the recipient and cannot send messages.")
	ErrBlockedByPeer   = newErr(KindForbidden, "You have been blocked by the recipient and cannot send messages.")
	ErrBlockedByTarget = newErr(KindForbidden, "You are blocked by the user you are trying to contact")

	ErrUserExists     = newErr(KindConflict, "User already exists")
	ErrUsernameTaken  = newErr(KindConflict, "Username already taken")
	ErrAlreadyContact = newErr(KindConflict, "Contact already added")
	ErrRequestPending = newErr(KindConflict, "Contact request already sent")
	ErrChatExists     = newErr(KindConflict, "Chat already exists")
	ErrAlreadyBlocked = newErr(KindConflict, "Contact already blocked")
	ErrNotBlocked     = newErr(KindConflict, "Contact is not blocked")
	ErrAlreadyMuted   = newErr(KindConflict, "Contact already muted")

	ErrRegisterFieldsRequired = newErr(KindValidation, "Username, email and password are required")
	ErrLoginFieldsRequired    = newErr(KindValidation, "Email and password are required")
	ErrInvalidEmail           = newErr(KindValidation, "Invalid email address")
	ErrInvalidPassword        = newErr(KindValidation, "Invalid password")
	ErrSelfContact            = newErr(KindValidation, "Cannot add yourself as a contact")
	ErrSelfChat               = newErr(KindValidation, "You cannot start a chat with yourself")
	ErrSelfAction             = newErr(KindValidation, "You cannot perform this action on yourself")
	ErrNotAContact            = newErr(KindValidation, "Contact not found in your contacts")
	ErrContactIDRequired      = newErr(KindValidation, "Contact ID is required")
	ErrChatIDRequired         = newErr(KindValidation, "Chat ID is required")
	ErrMessageIDRequired      = newErr(KindValidation, "Message ID is required")
	ErrNotificationIDRequired = newErr(KindValidation, "Notification ID is required")
	ErrContentRequired        = newErr(KindValidation, "Message content is required")
	ErrInvalidAction          = newErr(KindValidation, "Invalid action")
	ErrInvalidStatus          = newErr(KindValidation, "Invalid status")
	ErrSearchRequired         = newErr(KindValidation, "Search term and type are required")
	ErrInvalidSearchType      = newErr(KindValidation, "Invalid search type")
	ErrTokenRequired          = newErr(KindValidation, "Token is required")
	ErrUnsupportedImage       = newErr(KindValidation, "Unsupported image content type")
	ErrTooManyIDs             = newErr(KindValidation, "Too many ids requested")
	ErrInvalidImageURL        = newErr(KindValidation, "Image URL is required")
	ErrPhoneRequired          = newErr(KindValidation, "Phone number is required")
	ErrContentTooLong         = newErr(KindValidation, "Message content is too long")

	ErrAvatarsDisabled = newErr(KindUnavailable, "Avatar uploads are not configured")
	ErrPushDisabled    = newErr(KindUnavailable, "Chat subscriptions are not available")
)
