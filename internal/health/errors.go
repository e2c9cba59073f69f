package health

import "errors"

// ErrDegraded marks a check failure that leaves the component usable, such
// as proving keys that have not been generated yet.
var ErrDegraded = errors.New("degraded")

func isDegraded(err error) bool {
	return errors.Is(err, ErrDegraded)
}
