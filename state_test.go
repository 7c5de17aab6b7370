package astimoq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	allowed := map[State][]State{
		StateIdle:        {StateConnecting, StateIdle},
		StateConnecting:  {StateFailed, StateIdle, StateSubscribing},
		StateSubscribing: {StateFailed, StateIdle, StateStreaming},
		StateStreaming:   {StateFailed, StateIdle, StateStreaming},
		StateFailed:      {StateIdle},
	}
	for _, from := range States() {
		for _, to := range States() {
			require.Equal(t, contains(allowed[from], to), from.canTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func contains(ss []State, s State) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
