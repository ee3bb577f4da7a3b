package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub020/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHeartbeats answers HEARTBEAT with HEARTBEAT_ACK
func echoHeartbeats(count *atomic.Int32) Handler {
	return func(p *Peer, env protocol.Envelope) {
		if env.Type != protocol.TypeHeartbeat {
			return
		}
		count.Add(1)
		_ = p.Reply(env, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{ReplyTo: env.Seq, NodeID: "node-1"})
	}
}

func newServerPeer(t *testing.T, opts Options) (url string, peers chan *Peer) {
	t.Helper()
	peers = make(chan *Peer, 1)
	srv := httptest.NewServer(NewHandler(opts, func(p *Peer) {
		p.Start()
		peers <- p
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), peers
}

func heartbeat(t *testing.T) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, "", protocol.Heartbeat{SentAt: time.Now().UnixMicro()})
	require.NoError(t, err)
	return env
}

func TestPeerRequestReply(t *testing.T) {
	var served atomic.Int32
	url, peers := newServerPeer(t, Options{Handler: echoHeartbeats(&served)})

	client, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)
	client.Start()
	defer client.Close()

	server := <-peers
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		reply, err := client.Request(ctx, heartbeat(t))
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeHeartbeatAck, reply.Type)

		var ack protocol.HeartbeatAck
		require.NoError(t, reply.DecodePayload(&ack))
		assert.Equal(t, "node-1", ack.NodeID)
	}
	assert.Equal(t, int32(5), served.Load())
	assert.Equal(t, uint64(5), server.SeqHighWater())
}

func TestPeerRequestTimesOut(t *testing.T) {
	// Server never answers
	url, peers := newServerPeer(t, Options{Handler: func(*Peer, protocol.Envelope) {}})

	client, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)
	client.Start()
	defer client.Close()
	defer func() { (<-peers).Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = client.Request(ctx, heartbeat(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPeerRequestFailsWhenClosed(t *testing.T) {
	url, peers := newServerPeer(t, Options{Handler: func(*Peer, protocol.Envelope) {}})

	client, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)
	client.Start()

	server := <-peers
	env := heartbeat(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), env)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	server.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not fail after connection closed")
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client peer did not observe close")
	}
	_, err = client.Send(heartbeat(t))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPeerDropsDuplicateSequence(t *testing.T) {
	var served atomic.Int32
	url, peers := newServerPeer(t, Options{Handler: echoHeartbeats(&served)})

	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer raw.Close()
	defer func() { (<-peers).Close() }()

	var codec protocol.Codec
	env := heartbeat(t)
	env.Seq = 1
	env.TS = time.Now().UnixMilli()
	frame, err := codec.Encode(env)
	require.NoError(t, err)

	// Same frame delivered twice
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, frame))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, frame))

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := raw.ReadMessage()
	require.NoError(t, err)
	ack, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeHeartbeatAck, ack.Type)
	assert.Equal(t, uint64(1), ack.ReplyTo())

	// No second acknowledgement is emitted
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = raw.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, int32(1), served.Load())
}

func TestPeerRepliesErrorOnBadChecksum(t *testing.T) {
	var protocolErrors atomic.Int32
	var served atomic.Int32
	url, peers := newServerPeer(t, Options{
		Handler: echoHeartbeats(&served),
		OnProtocolError: func(p *Peer, err error) {
			protocolErrors.Add(1)
		},
	})

	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer raw.Close()
	defer func() { (<-peers).Close() }()

	var codec protocol.Codec
	env := heartbeat(t)
	env.Seq = 1
	env.TS = time.Now().UnixMilli()
	frame, err := codec.Encode(env)
	require.NoError(t, err)
	corrupted := strings.Replace(string(frame), `"seq":1`, `"seq":2`, 1)
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(corrupted)))

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := raw.ReadMessage()
	require.NoError(t, err)
	reply, err := codec.Decode(data)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, reply.Type)

	var perr protocol.ErrorPayload
	require.NoError(t, reply.DecodePayload(&perr))
	assert.Equal(t, protocol.CodeChecksum, perr.Code)
	assert.Equal(t, uint64(2), perr.ReplyTo)
	assert.Eventually(t, func() bool { return protocolErrors.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), served.Load())
}

func TestPeerRemoteError(t *testing.T) {
	url, peers := newServerPeer(t, Options{Handler: func(p *Peer, env protocol.Envelope) {
		_ = p.SendError(env.Seq, env.SessionID, protocol.CodeSessionUnknown, "no such session")
	}})

	client, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)
	client.Start()
	defer client.Close()
	defer func() { (<-peers).Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.Request(ctx, heartbeat(t))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodeSessionUnknown, remote.Code)
}
