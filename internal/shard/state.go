package shard

import (
	"fmt"

	"github.com/luciancaetano/kephasgate"
)

// trigger is an input to the session state machine.
type trigger int

const (
	trDial      trigger = iota // start a connection attempt
	trConnected                // transport established
	trIdentify                 // hello received, no resumable session
	trResume                   // hello received, resumable session held
	trAck                      // first dispatch after identify/resume
	trDrop                     // error, timeout, reconnect or invalid session
	trRetire                   // failure budget exhausted
)

var triggerNames = [...]string{
	trDial:      "dial",
	trConnected: "connected",
	trIdentify:  "identify",
	trResume:    "resume",
	trAck:       "ack",
	trDrop:      "drop",
	trRetire:    "retire",
}

func (t trigger) String() string {
	if int(t) < len(triggerNames) {
		return triggerNames[t]
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

var transitions = map[kephasgate.ShardState]map[trigger]kephasgate.ShardState{
	kephasgate.StateDisconnected: {
		trDial:   kephasgate.StateConnecting,
		trDrop:   kephasgate.StateDisconnected,
		trRetire: kephasgate.StateRetired,
	},
	kephasgate.StateConnecting: {
		trConnected: kephasgate.StateAwaitingHello,
		trDrop:      kephasgate.StateDisconnected,
	},
	kephasgate.StateAwaitingHello: {
		trIdentify: kephasgate.StateIdentifying,
		trResume:   kephasgate.StateResuming,
		trDrop:     kephasgate.StateDisconnected,
	},
	kephasgate.StateIdentifying: {
		trAck:  kephasgate.StateReady,
		trDrop: kephasgate.StateDisconnected,
	},
	kephasgate.StateResuming: {
		trAck:  kephasgate.StateReady,
		trDrop: kephasgate.StateDisconnected,
	},
	kephasgate.StateReady: {
		trDrop: kephasgate.StateDisconnected,
	},
}

// next returns the state reached from `from` on t. Retired is terminal.
func next(from kephasgate.ShardState, t trigger) (kephasgate.ShardState, error) {
	if to, ok := transitions[from][t]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: no transition from %s on %s", kephasgate.ErrProtocol, from, t)
}
