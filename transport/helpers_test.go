package transport

import (
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"frame-rpc/message"
	"frame-rpc/protocol"
)

// fakePeer is the server end of a net.Pipe that decodes requests and lets the test
// decide what (and when) to answer.
type fakePeer struct {
	conn       net.Conn
	reqs       chan *message.Request
	keepalives atomic.Int32
}

func newFakePeer(t *testing.T) (net.Conn, *fakePeer) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	p := &fakePeer{conn: serverSide, reqs: make(chan *message.Request, 128)}
	go p.readLoop()
	t.Cleanup(func() { serverSide.Close() })
	return clientSide, p
}

func (p *fakePeer) readLoop() {
	defer close(p.reqs)
	for {
		payload, err := protocol.ReadFrame(p.conn)
		if err != nil {
			return
		}
		if len(payload) == 0 {
			p.keepalives.Add(1)
			continue
		}
		var req message.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		p.reqs <- &req
	}
}

func (p *fakePeer) next(t *testing.T) *message.Request {
	t.Helper()
	select {
	case req, ok := <-p.reqs:
		require.True(t, ok, "peer connection closed")
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request reached the peer")
		return nil
	}
}

func (p *fakePeer) reply(t *testing.T, resp *message.Response) {
	t.Helper()
	body, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(p.conn, body))
}

type outcome struct {
	err  error
	resp *message.Response
}

// recorder collects callback invocations.
type recorder struct {
	ch chan outcome
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan outcome, 256)}
}

func (r *recorder) cb(err error, resp *message.Response) {
	r.ch <- outcome{err, resp}
}

func (r *recorder) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("callback never fired")
		return outcome{}
	}
}

// none asserts no further callback fires within d.
func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case o := <-r.ch:
		t.Fatalf("unexpected extra callback: err=%v resp=%+v", o.err, o.resp)
	case <-time.After(d):
	}
}
