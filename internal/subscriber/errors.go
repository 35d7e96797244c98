package subscriber

import "errors"

var (
	ErrDurableMismatch = errors.New("durable name already bound to another subject or queue group")
	ErrInvalidOptions  = errors.New("invalid subscription options")
	ErrNoStream        = errors.New("no stream captures subject")
	ErrClosed          = errors.New("subscriber closed")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return "permanent: " + e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks a handler error as not worth retrying. The message is
// terminated instead of redelivered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
