package mock

import "log/slog"

var log = slog.New(slog.DiscardHandler)

// SetLogger routes the mock server's diagnostics to 'l'.
func SetLogger(l *slog.Logger) {
	log = l
}
