package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianio/meridian/pkg/types"
)

func TestGobCodecRoundTrip(t *testing.T) {
	c := gobCodec{}

	req := types.CommandRequest{
		SessionID: 7,
		Sequence:  42,
		Operation: types.Operation{ID: "kvstate.put", Kind: types.Command, Payload: []byte("payload")},
	}

	data, err := c.Marshal(&req)
	require.NoError(t, err)

	var decoded types.CommandRequest
	require.NoError(t, c.Unmarshal(data, &decoded))

	assert.Equal(t, req, decoded)
}

func TestCodecNameMatchesConstant(t *testing.T) {
	assert.Equal(t, "gob", gobCodec{}.Name())
}
