// Package tunnelerr defines the error kinds shared by the tunnel server and
// the client-side controller.
package tunnelerr

import "errors"

var (
	ErrUsage          = errors.New("usage error")
	ErrConfig         = errors.New("config error")
	ErrBind           = errors.New("bind error")
	ErrChannel        = errors.New("channel error")
	ErrChannelTimeout = errors.New("channel timeout")
	ErrPersistence    = errors.New("persistence error")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrUsage, "usage"},
	{ErrConfig, "config"},
	{ErrBind, "bind"},
	{ErrChannelTimeout, "channel_timeout"},
	{ErrChannel, "channel"},
	{ErrPersistence, "persistence"},
}

// Kind returns a short label for the kind of err, suitable for metric labels.
// Unclassified errors are reported as "internal".
func Kind(err error) string {
	if err == nil {
		return "none"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// ExitCode maps a startup error to the process exit status.
// Every failure the server can report at startup exits with 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
