package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"wardenchat/pkg/client"
	"wardenchat/pkg/transcript"
)

// chat is the part of the client the input loop drives.
type chat interface {
	Send(text string) error
	Roster() []string
	IsWarden() bool
	Transcript() *transcript.Log
}

// handleInput runs one line typed by the user and reports whether to quit.
func handleInput(c chat, term *terminal, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := c.Send(line); err != nil {
			if errors.Is(err, client.ErrNotKeyed) {
				term.Error("Room key not received yet")
				return false
			}
			term.Error(fmt.Sprintf("Send error: %v", err))
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit", "/q":
		term.Info("Goodbye!")
		return true
	case "/help", "/h", "/?":
		showHelp(term)
	case "/users", "/u":
		showUsers(c, term)
	case "/status", "/s":
		role := "member"
		if c.IsWarden() {
			role = "warden"
		}
		term.Info(fmt.Sprintf("Role: %s, %d lines in transcript", role, c.Transcript().Len()))
	case "/save":
		path := strings.TrimSpace(arg)
		if path == "" {
			term.Error("Usage: /save <file>")
			return false
		}
		if err := saveTranscript(c.Transcript(), path); err != nil {
			term.Error(err.Error())
			return false
		}
		term.Info(fmt.Sprintf("Transcript saved to %s", path))
	case "/clear", "/cls":
		term.Clear()
	default:
		term.Error(fmt.Sprintf("Unknown command %s, type /help", cmd))
	}
	return false
}

func showHelp(term *terminal) {
	term.Info("Commands:")
	term.Info("  /users, /u      list participants")
	term.Info("  /status, /s     show role and transcript size")
	term.Info("  /save <file>    write the transcript to a file")
	term.Info("  /clear, /cls    clear the screen")
	term.Info("  /quit, /q       leave the room")
}

func showUsers(c chat, term *terminal) {
	names := c.Roster()
	term.Info(fmt.Sprintf("Online users (%d):", len(names)))
	for _, name := range names {
		term.Info("  " + name)
	}
}

func saveTranscript(log *transcript.Log, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := log.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return f.Close()
}
