// Package logging sets up the process-wide structured logger.
//
// Grounded on github.com/trivago/gollum's logging stack: logrus is used
// exactly the way gollum's coordinator.go and main.go use it, and the
// startup buffering hook below is adapted from gollum's
// logger.LogrusHookBuffer (gollum kept two near-identical copies of this
// hook, one in package main and one in package logger; this package is
// the single canonical version).
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// FallbackDevice is where buffered log entries are flushed if nothing else
// ever attaches a target.
var FallbackDevice io.Writer = os.Stderr

// NewConsoleFormatter returns the colorized terminal formatter used by both
// daemons (adapted from gollum's logger.NewConsoleFormatter).
func NewConsoleFormatter() *prefixed.TextFormatter {
	f := prefixed.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		ForceFormatting: true,
		TimestampFormat: "2006-01-02 15:04:05 MST",
	}
	f.SetColorScheme(&prefixed.ColorScheme{
		PrefixStyle:     "blue+h",
		InfoLevelStyle:  "white+h",
		DebugLevelStyle: "cyan",
	})
	return &f
}

// HookBuffer implements logrus.Hook. It pools log entries emitted while a
// daemon is still loading its configuration (and therefore doesn't know yet
// whether to log to stderr, to a file, or to an internal stream) and relays
// them once a target is attached via SetTargetWriter/SetTargetHook.
type HookBuffer struct {
	targetHook   logrus.Hook
	targetWriter io.Writer
	buffer       []*logrus.Entry
}

// NewHookBuffer returns an unattached HookBuffer.
func NewHookBuffer() *HookBuffer {
	return &HookBuffer{}
}

// Levels implements logrus.Hook.
func (b *HookBuffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (b *HookBuffer) Fire(entry *logrus.Entry) error {
	if b.targetHook == nil && b.targetWriter == nil {
		b.buffer = append(b.buffer, entry)
		return nil
	}
	return b.relay(entry)
}

// SetTargetWriter attaches a final writer and purges any buffered entries.
func (b *HookBuffer) SetTargetWriter(w io.Writer) {
	b.targetWriter = w
	b.Purge()
}

// SetTargetHook attaches a final hook and purges any buffered entries.
func (b *HookBuffer) SetTargetHook(h logrus.Hook) {
	b.targetHook = h
	b.Purge()
}

// Purge relays and drops every buffered entry.
func (b *HookBuffer) Purge() {
	pending := b.buffer
	b.buffer = nil
	for _, entry := range pending {
		b.relay(entry)
	}
}

func (b *HookBuffer) relay(entry *logrus.Entry) error {
	if b.targetHook != nil {
		if err := b.targetHook.Fire(entry); err != nil {
			return err
		}
	}
	if b.targetWriter != nil {
		serialized, err := entry.Logger.Formatter.Format(entry)
		if err != nil {
			return fmt.Errorf("failed to serialize log entry: %w", err)
		}
		if _, err := b.targetWriter.Write(serialized); err != nil {
			return fmt.Errorf("failed to write log entry: %w", err)
		}
	}
	return nil
}

// Init installs the buffering hook on the standard logger and returns it so
// a daemon's coordinator can attach the final target once startup settles.
func Init() *HookBuffer {
	logrus.SetOutput(io.Discard)
	hook := NewHookBuffer()
	logrus.AddHook(hook)
	return hook
}
