package state

import (
	"io"
	"log/slog"
)

type ReadErrorAction int

const (
	// UseDefault resolves read and decode failures to the default value.
	UseDefault ReadErrorAction = iota
	// FailRead returns the failure from the constructor.
	FailRead
)

type WriteErrorAction int

const (
	// Ignore drops write failures; the in-memory value stays current.
	Ignore WriteErrorAction = iota
	// FailWrite returns the failure from Set.
	FailWrite
)

// Policy decides what a container does when its storage misbehaves.
type Policy struct {
	OnReadError  ReadErrorAction
	OnWriteError WriteErrorAction
	// Swallowed failures are logged here at debug level.
	Logger *slog.Logger
}

// DefaultPolicy never surfaces storage failures.
func DefaultPolicy() Policy {
	return Policy{
		OnReadError:  UseDefault,
		OnWriteError: Ignore,
	}
}

func (p Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
