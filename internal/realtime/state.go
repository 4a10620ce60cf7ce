package realtime

import (
	"time"

	"github.com/developingchet/cascade-guard/internal/metrics"
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var allStates = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed}

type trigger string

const (
	trConnect    trigger = "connect"
	trOpen       trigger = "open"
	trDialFailed trigger = "dial_failed"
	trClose      trigger = "close"
	trExhausted  trigger = "exhausted"
	trDisconnect trigger = "disconnect"
)

// transitions is the complete state table. Pairs not listed are rejected.
var transitions = map[State]map[trigger]State{
	StateDisconnected: {
		trConnect:    StateConnecting,
		trDisconnect: StateDisconnected,
	},
	StateConnecting: {
		trOpen:       StateConnected,
		trDialFailed: StateReconnecting,
		trDisconnect: StateDisconnected,
	},
	StateConnected: {
		trClose:      StateReconnecting,
		trDisconnect: StateDisconnected,
	},
	StateReconnecting: {
		trOpen:       StateConnected,
		trDialFailed: StateReconnecting,
		trExhausted:  StateFailed,
		trDisconnect: StateDisconnected,
	},
	StateFailed: {
		trConnect:    StateConnecting,
		trDisconnect: StateDisconnected,
	},
}

func next(s State, t trigger) (State, bool) {
	n, ok := transitions[s][t]
	return n, ok
}

// Stats are cumulative connection counters.
type Stats struct {
	TotalConnections int
	TotalReconnects  int
	LastConnected    time.Time
	LastDisconnected time.Time
	TotalMessages    int
	TotalErrors      int
	Attempt          int
	LastError        string
	QueueDepth       int
}

func publishState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.TransportState.WithLabelValues(string(st)).Set(v)
	}
}
