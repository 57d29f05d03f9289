package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/internal/identity"
)

func TestRequestRoundTrip(t *testing.T) {
	from := identity.Random()
	data := []byte("chunk bytes")
	chunk := identity.FromContent(data)

	msg, err := NewRequest(MessageTypeDataPut, from, DataManager, chunk, DataPutPayload{ChunkID: chunk, Data: data})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	raw, err := msg.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, from, decoded.From)
	assert.Equal(t, DataManager, decoded.Persona)
	assert.Equal(t, chunk, decoded.Target)

	var p DataPutPayload
	require.NoError(t, decoded.Decode(MessageTypeDataPut, &p))
	assert.Equal(t, data, p.Data)

	assert.Error(t, decoded.Decode(MessageTypeDataGet, &p))
}

func TestReplyCarriesCorrelation(t *testing.T) {
	client := identity.Random()
	req, err := NewRequest(MessageTypeVersionGet, identity.Random(), VersionHandler, identity.Random(), VersionGetPayload{})
	require.NoError(t, err)
	req.Client = client

	responder := identity.Random()
	rec := VersionRecord{Name: req.Target, Current: identity.Random(), Seq: 4}
	reply, err := NewReply(req, responder, CodeOK, "", rec)
	require.NoError(t, err)

	assert.Equal(t, MessageTypeReply, reply.Type)
	assert.Equal(t, req.ID, reply.CorrelationID)
	assert.Equal(t, req.From, reply.Target)
	assert.Equal(t, client, reply.Client)

	body, err := reply.Reply()
	require.NoError(t, err)
	assert.True(t, body.OK())

	var got VersionRecord
	require.NoError(t, body.DecodeBody(&got))
	assert.Equal(t, rec, got)
}

func TestErrorReply(t *testing.T) {
	req, err := NewRequest(MessageTypePut, identity.Random(), MaidManager, identity.Random(), PutPayload{})
	require.NoError(t, err)

	reply, err := NewReply(req, identity.Random(), CodeQuotaExceeded, "used 400 + 700 > 1000", nil)
	require.NoError(t, err)

	body, err := reply.Reply()
	require.NoError(t, err)
	assert.False(t, body.OK())
	assert.Equal(t, CodeQuotaExceeded, body.Code)
	assert.Empty(t, body.Body)
}

func TestUnmarshalRejectsVersion(t *testing.T) {
	_, err := UnmarshalMessage([]byte(`{"version":7,"type":"put","id":"x"}`))
	assert.Error(t, err)

	_, err = UnmarshalMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	msg, err := NewRequest(MessageTypeChunkGet, identity.Random(), PmidNode, identity.Random(), ChunkRefPayload{})
	require.NoError(t, err)

	c := msg.Clone()
	c.Payload[0] = 'X'
	assert.NotEqual(t, msg.Payload[0], c.Payload[0])
}
