package repl

import "strings"

const maxHistory = 50

// Session maintains state across REPL inputs.
type Session struct {
	// Cells that ran without raising, oldest first.
	History []string

	// LastIndex is the handle returned by the most recent :index.
	LastIndex string

	// Uploaded holds sandbox paths of files uploaded this session.
	Uploaded []string

	pending []string
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{}
}

// AddCell appends a cell to the history, keeping the most recent ones.
func (s *Session) AddCell(code string) {
	s.History = append(s.History, code)
	if len(s.History) > maxHistory {
		s.History = s.History[len(s.History)-maxHistory:]
	}
}

// Feed adds a line of Python and reports whether a complete cell is ready.
// A line ending in ':' opens a block that runs once a blank line follows.
func (s *Session) Feed(line string) (string, bool) {
	trimmed := strings.TrimRight(line, " \t")
	if len(s.pending) == 0 {
		if trimmed == "" {
			return "", false
		}
		if !strings.HasSuffix(trimmed, ":") {
			return trimmed, true
		}
		s.pending = append(s.pending, trimmed)
		return "", false
	}
	if trimmed == "" {
		cell := strings.Join(s.pending, "\n")
		s.pending = nil
		return cell, true
	}
	s.pending = append(s.pending, trimmed)
	return "", false
}

// InBlock reports whether a multi-line cell is being collected.
func (s *Session) InBlock() bool {
	return len(s.pending) > 0
}
