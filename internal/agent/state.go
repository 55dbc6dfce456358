package agent

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of an agent.
type State int32

const (
	StateShutdown State = iota
	StateInit
	StateIdle
	StateRun
	StateMonitor
	StateSafe
	StateDebug
)

var stateNames = [...]string{
	StateShutdown: "shutdown",
	StateInit:     "init",
	StateIdle:     "idle",
	StateRun:      "run",
	StateMonitor:  "monitor",
	StateSafe:     "safe",
	StateDebug:    "debug",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ParseState accepts a state name.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateShutdown, fmt.Errorf("unknown state %q", name)
}
