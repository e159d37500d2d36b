package preferences

import "errors"

// Preference errors.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrCacheUnavailable = errors.New("preference store unavailable")
)
