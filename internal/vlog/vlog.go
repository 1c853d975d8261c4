// Package vlog is a small leveled logger over the standard library's
// log package. Every call takes a subject (a path, job name, or
// similar) plus a printf-style format, so log lines always say what
// they are about.
package vlog

import (
	"fmt"
	"log"
	"os"
)

// Level controls which calls actually print.
type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
)

// Current is the active log level; Debugf calls are silent unless it
// is raised to LevelDebug.
var Current = LevelInfo

var std = log.New(os.Stderr, "", log.LstdFlags)

// Errorf always prints, prefixed with the subject o (a path, job name,
// or similar; nil is fine).
func Errorf(o any, format string, args ...any) {
	std.Print("ERROR: " + subject(o) + fmt.Sprintf(format, args...))
}

// Infof prints at LevelInfo and above.
func Infof(o any, format string, args ...any) {
	if Current >= LevelInfo {
		std.Print(subject(o) + fmt.Sprintf(format, args...))
	}
}

// Debugf prints only at LevelDebug.
func Debugf(o any, format string, args ...any) {
	if Current >= LevelDebug {
		std.Print("DEBUG: " + subject(o) + fmt.Sprintf(format, args...))
	}
}

// Logf is an unconditional, unleveled print, for operator-facing
// progress messages (file uploaded, batch flushed) rather than
// diagnostics.
func Logf(o any, format string, args ...any) {
	std.Print(subject(o) + fmt.Sprintf(format, args...))
}

func subject(o any) string {
	if o == nil {
		return ""
	}
	return fmt.Sprintf("%v: ", o)
}
