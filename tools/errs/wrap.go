package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// New builds an ad-hoc error from a message and alternating key/value
// context pairs.
func New(msg string, kv ...any) error {
	return errors.New(toString(msg, kv))
}

// Wrap annotates err with a message plus key/value context, preserving the
// original error for errors.Is / errors.As.
func Wrap(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithMessage(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	out := msg
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		var val any
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		out += fmt.Sprintf(" %s=%v", key, val)
	}
	return out
}
