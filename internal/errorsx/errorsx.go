package errorsx

import "errors"

// Kind classifies failures that are reported back to a client.
type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindValidation Kind = "validation"
	KindDecode     Kind = "decode"
	KindProvider   Kind = "provider"
	KindProtocol   Kind = "protocol"
)

// KindError wraps an error with a Kind.
type KindError struct {
	Err  error
	Kind Kind
}

func (e KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e KindError) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind carrying msg.
func New(kind Kind, msg string) error {
	return KindError{Err: errors.New(msg), Kind: kind}
}

// Wrap attaches a kind to an error (no-op if err is nil or already classified).
func Wrap(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	var ke KindError
	if errors.As(err, &ke) {
		return err
	}
	return KindError{Err: err, Kind: kind}
}

// KindOf extracts the kind of err, if present.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// Is reports whether err was classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
