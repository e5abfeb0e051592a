package sl

import "golang.org/x/exp/slog"

// Err wraps an error into a log attribute under the "error" key.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
