package callrelay

import "github.com/codewandler/callrelay-go/store"

type State int32

const (
	StateInitializing State = iota
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

func (s State) status() store.Status {
	switch s {
	case StateInitializing:
		return store.StatusPending
	case StateFailed:
		return store.StatusFailed
	case StateClosed:
		return store.StatusCompleted
	}
	return store.StatusActive
}
