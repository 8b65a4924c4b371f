package protocol

import (
	"testing"

	"github.com/iris-network/iris/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hb := NodeHeartbeat{NodeID: "node-1", CurrentLoad: 2, UptimeSeconds: 3600}

	data, err := Encode(MsgNodeHeartbeat, hb)
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, MsgNodeHeartbeat, env.Type)
	assert.False(t, env.Timestamp.IsZero())

	var got NodeHeartbeat
	require.NoError(t, ParsePayload(env, &got))
	assert.Equal(t, hb, got)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	env, err := Decode([]byte(`{"type":"node_selfdestruct","payload":{}}`))
	assert.Nil(t, env)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"payload":{"node_id":"n1"}}`))
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload NodeRegister
		wantErr bool
	}{
		{
			name: "valid",
			payload: NodeRegister{
				NodeID:     "node-1",
				AccountKey: "acct-abc",
				Capabilities: types.NodeCapabilities{
					ModelName:       "llama-3-8b",
					ParamsB:         8,
					TokensPerSecond: 20,
				},
			},
		},
		{name: "missing node id", payload: NodeRegister{AccountKey: "acct"}, wantErr: true},
		{name: "missing account key", payload: NodeRegister{NodeID: "node-1"}, wantErr: true},
		{
			name:    "negative artificial load",
			payload: NodeRegister{NodeID: "node-1", AccountKey: "acct", ArtificialLoad: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(MsgNodeRegister, tt.payload)
			require.NoError(t, err)
			env, err := Decode(data)
			require.NoError(t, err)

			var got NodeRegister
			err = ParsePayload(env, &got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHeartbeatValidation(t *testing.T) {
	data, err := Encode(MsgNodeHeartbeat, NodeHeartbeat{NodeID: "n1", CurrentLoad: -3})
	require.NoError(t, err)
	env, err := Decode(data)
	require.NoError(t, err)

	var got NodeHeartbeat
	assert.Error(t, ParsePayload(env, &got))
}

func TestTaskErrorRequiresKind(t *testing.T) {
	data, err := Encode(MsgTaskError, TaskError{TaskID: "t1", SubtaskIndex: 0})
	require.NoError(t, err)
	env, err := Decode(data)
	require.NoError(t, err)

	var got TaskError
	assert.ErrorIs(t, ParsePayload(env, &got), ErrMissingField)
}
