package render

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies render failures; the HTTP layer maps kinds to status
// codes without inspecting messages.
type ErrorKind int

const (
	// KindNotFound: unknown dataset, glyph range or thumbnail.
	KindNotFound ErrorKind = iota
	// KindInvalidTile: coordinates outside the zoom grid.
	KindInvalidTile
	// KindUnsupportedFormat: format not servable for the dataset kind.
	KindUnsupportedFormat
	// KindCorrupt: upstream data unreadable.
	KindCorrupt
	// KindUnavailable: optional dependency absent.
	KindUnavailable
	// KindExternal: subprocess or external store failure.
	KindExternal
	// KindInternal: unclassified failure.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidTile:
		return "invalid_tile"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindCorrupt:
		return "corrupt"
	case KindUnavailable:
		return "unavailable"
	case KindExternal:
		return "external"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// HTTPStatus returns the response code for the kind.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTile:
		return http.StatusUnprocessableEntity
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindCorrupt, KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// TileError is the failure result of a tile render.
type TileError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *TileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *TileError) Unwrap() error { return e.Err }

// Errorf builds a TileError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *TileError {
	return &TileError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, err error, msg string) *TileError {
	return &TileError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain; unclassified errors report
// KindInternal.
func KindOf(err error) ErrorKind {
	var te *TileError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}
