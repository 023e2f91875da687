package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/luciancaetano/kephasgate"
)

func TestTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    kephasgate.ShardState
		trigger trigger
		want    kephasgate.ShardState
		wantErr bool
	}{
		{"dial", kephasgate.StateDisconnected, trDial, kephasgate.StateConnecting, false},
		{"connected", kephasgate.StateConnecting, trConnected, kephasgate.StateAwaitingHello, false},
		{"identify", kephasgate.StateAwaitingHello, trIdentify, kephasgate.StateIdentifying, false},
		{"resume", kephasgate.StateAwaitingHello, trResume, kephasgate.StateResuming, false},
		{"identify ack", kephasgate.StateIdentifying, trAck, kephasgate.StateReady, false},
		{"resume ack", kephasgate.StateResuming, trAck, kephasgate.StateReady, false},
		{"drop while ready", kephasgate.StateReady, trDrop, kephasgate.StateDisconnected, false},
		{"drop while connecting", kephasgate.StateConnecting, trDrop, kephasgate.StateDisconnected, false},
		{"drop while awaiting hello", kephasgate.StateAwaitingHello, trDrop, kephasgate.StateDisconnected, false},
		{"drop while identifying", kephasgate.StateIdentifying, trDrop, kephasgate.StateDisconnected, false},
		{"drop while resuming", kephasgate.StateResuming, trDrop, kephasgate.StateDisconnected, false},
		{"drop while disconnected", kephasgate.StateDisconnected, trDrop, kephasgate.StateDisconnected, false},
		{"retire", kephasgate.StateDisconnected, trRetire, kephasgate.StateRetired, false},
		{"ack before handshake", kephasgate.StateAwaitingHello, trAck, kephasgate.StateAwaitingHello, true},
		{"identify twice", kephasgate.StateIdentifying, trIdentify, kephasgate.StateIdentifying, true},
		{"retire while ready", kephasgate.StateReady, trRetire, kephasgate.StateReady, true},
		{"dial while ready", kephasgate.StateReady, trDial, kephasgate.StateReady, true},
		{"retired is terminal", kephasgate.StateRetired, trDial, kephasgate.StateRetired, true},
		{"retired ignores drop", kephasgate.StateRetired, trDrop, kephasgate.StateRetired, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := next(tt.from, tt.trigger)
			if tt.wantErr {
				assert.ErrorIs(t, err, kephasgate.ErrProtocol)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTriggerString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ack", trAck.String())
	assert.Equal(t, "trigger(42)", trigger(42).String())
}
