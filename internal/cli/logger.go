package cli

import (
	"io"
	"log/slog"

	"github.com/Swind/go-script-launcher/core"
)

// newLogger writes text logs at level or above to w.
func newLogger(w io.Writer, level string) (core.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return core.NewSlogLogger(slog.New(handler)), nil
}
