package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustEnvelope(t *testing.T, typ MessageType, sessionID string, payload interface{}, seq uint64) Envelope {
	t.Helper()
	env, err := NewEnvelope(typ, sessionID, payload)
	require.NoError(t, err)
	env.Seq = seq
	env.TS = 1700000000000
	return env
}

func TestCodecEncodeDecode(t *testing.T) {
	var codec Codec
	env := mustEnvelope(t, TypeStartSession, "sess-1", StartSession{
		TargetLocal: 1700000003000000,
		MasterStart: 1700000003002100,
		Modalities:  []string{"rgb", "thermal"},
	}, 7)

	data, err := codec.Encode(env)
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeStartSession, got.Type)
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, Version, got.Version)

	var start StartSession
	require.NoError(t, got.DecodePayload(&start))
	assert.Equal(t, int64(1700000003000000), start.TargetLocal)
	assert.Equal(t, []string{"rgb", "thermal"}, start.Modalities)
}

func TestCodecHTMLCharactersInPayload(t *testing.T) {
	var codec Codec
	env := mustEnvelope(t, TypeError, "", ErrorPayload{Code: CodeMalformed, Detail: "<bad> & worse"}, 1)

	data, err := codec.Encode(env)
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)

	var p ErrorPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, "<bad> & worse", p.Detail)
}

func TestCodecRejects(t *testing.T) {
	var codec Codec
	valid, err := codec.Encode(mustEnvelope(t, TypeHeartbeat, "", Heartbeat{SentAt: 1}, 3))
	require.NoError(t, err)

	tamper := func(mutate func(m map[string]interface{})) []byte {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(valid, &m))
		mutate(m)
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{
			name:    "not json",
			data:    []byte("{nope"),
			wantErr: ErrMalformed,
		},
		{
			name:    "missing type",
			data:    tamper(func(m map[string]interface{}) { delete(m, "type") }),
			wantErr: ErrMalformed,
		},
		{
			name:    "missing seq",
			data:    tamper(func(m map[string]interface{}) { delete(m, "seq") }),
			wantErr: ErrMalformed,
		},
		{
			name:    "missing checksum",
			data:    tamper(func(m map[string]interface{}) { delete(m, "checksum") }),
			wantErr: ErrMalformed,
		},
		{
			name:    "tampered seq",
			data:    tamper(func(m map[string]interface{}) { m["seq"] = 4 }),
			wantErr: ErrChecksum,
		},
		{
			name:    "tampered payload",
			data:    tamper(func(m map[string]interface{}) { m["payload"] = map[string]interface{}{"sent_us": 2} }),
			wantErr: ErrChecksum,
		},
		{
			name:    "unknown major version",
			data:    tamper(func(m map[string]interface{}) { m["v"] = "2.0" }),
			wantErr: ErrIncompatibleVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsProtocolError(err))
		})
	}
}

func TestCodecNewerMinorVersionKeepsUnknownFields(t *testing.T) {
	var codec Codec
	payload := json.RawMessage(`{"reply_to":9,"node_id":"n1","protocol_version":"1.3","modalities":["rgb"],"lens":"wide"}`)
	env := Envelope{
		Version: "1.3",
		Type:    TypeCapabilities,
		Seq:     1,
		TS:      1,
		Payload: payload,
	}
	env.Checksum = Checksum(env)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(got.Payload), `"lens":"wide"`))
	assert.Equal(t, uint64(9), got.ReplyTo())

	var caps Capabilities
	require.NoError(t, got.DecodePayload(&caps))
	assert.Equal(t, "n1", caps.NodeID)
}

func TestCodecEncodeRequiresSeqAndKnownType(t *testing.T) {
	var codec Codec

	_, err := codec.Encode(Envelope{Type: TypeHeartbeat})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = codec.Encode(Envelope{Type: "BOGUS", Seq: 1})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeChecksum, ErrorCode(ErrChecksum))
	assert.Equal(t, CodeVersion, ErrorCode(ErrIncompatibleVersion))
	assert.Equal(t, CodeSequenceGap, ErrorCode(ErrSequenceGap))
	assert.Equal(t, CodeMalformed, ErrorCode(ErrMalformed))
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible("1.0"))
	assert.True(t, Compatible("1.7"))
	assert.False(t, Compatible("2.0"))
	assert.False(t, Compatible("x"))
}

func TestReplyType(t *testing.T) {
	assert.Equal(t, TypeCapabilities, TypeHello.ReplyType())
	assert.Equal(t, TypeStartAck, TypeStartSession.ReplyType())
	assert.True(t, TypeStopAck.IsReply())
	assert.False(t, TypeHeartbeat.IsReply())
}
