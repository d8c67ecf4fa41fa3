package player

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindPlaybackError ErrorKind = iota
	KindNotFound
	KindEmbedNotAllowed
	KindTimeout
	KindContainerMissing
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindEmbedNotAllowed:
		return "embed_not_allowed"
	case KindTimeout:
		return "timeout"
	case KindContainerMissing:
		return "container_missing"
	}
	return "playback_error"
}

// Widget error codes.
const (
	CodeInvalidParameter = 2
	CodeHTML5Error       = 5
	CodeNotFound         = 100
	CodeEmbedNotAllowed  = 101
	CodeEmbedDisallowed  = 150
)

// MapErrorCode translates a widget error code into an ErrorKind.
func MapErrorCode(code int) ErrorKind {
	switch code {
	case CodeNotFound:
		return KindNotFound
	case CodeEmbedNotAllowed, CodeEmbedDisallowed:
		return KindEmbedNotAllowed
	}
	return KindPlaybackError
}

// PlayerError is an error raised by the widget itself.
type PlayerError struct {
	Code int
	Kind ErrorKind
}

func NewPlayerError(code int) *PlayerError {
	return &PlayerError{Code: code, Kind: MapErrorCode(code)}
}

func (e *PlayerError) Error() string {
	return fmt.Sprintf("player error %d (%s)", e.Code, e.Kind)
}

// PlayerInitError is returned when a player cannot be created.
type PlayerInitError struct {
	ContainerID string
	VideoID     string
	Kind        ErrorKind
	Err         error
}

func (e *PlayerInitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("init player %q for video %q: %s: %v", e.ContainerID, e.VideoID, e.Kind, e.Err)
	}
	return fmt.Sprintf("init player %q for video %q: %s", e.ContainerID, e.VideoID, e.Kind)
}

func (e *PlayerInitError) Unwrap() error {
	return e.Err
}

// InitErrorKind extracts the kind from a Create error.
func InitErrorKind(err error) (ErrorKind, bool) {
	var initErr *PlayerInitError
	if errors.As(err, &initErr) {
		return initErr.Kind, true
	}
	return 0, false
}
