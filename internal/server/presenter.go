package server

import (
	"log/slog"
	"strings"
)

// LogPresenter is the server-side display: roster changes and transcript lines
// go to the structured log.
type LogPresenter struct {
	Logger *slog.Logger
}

// NewLogPresenter creates a LogPresenter; a nil logger means slog.Default().
func NewLogPresenter(logger *slog.Logger) *LogPresenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPresenter{Logger: logger}
}

func (p *LogPresenter) OnRosterChanged(names []string) {
	p.Logger.Info("roster changed", "names", names, "size", len(names))
}

func (p *LogPresenter) OnLineAppended(line string) {
	p.Logger.Debug("transcript line", "line", strings.TrimRight(line, "\n"))
}
