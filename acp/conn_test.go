package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/errors"
)

// testConn wires a Conn to in-memory pipes: writes to host go through send,
// frames written by the Conn are read from recv.
type testConn struct {
	conn *Conn
	send *io.PipeWriter
	recv *bufio.Scanner
	done chan error
}

func newTestConn(t *testing.T) *testConn {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	conn := NewConn(inR, outW, zap.NewNop())
	tc := &testConn{
		conn: conn,
		send: inW,
		recv: bufio.NewScanner(outR),
		done: make(chan error, 1),
	}
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})
	return tc
}

func (tc *testConn) start(ctx context.Context) {
	go func() { tc.done <- tc.conn.Run(ctx) }()
}

func (tc *testConn) write(t *testing.T, frame string) {
	t.Helper()
	_, err := tc.send.Write([]byte(frame + "\n"))
	require.NoError(t, err)
}

func (tc *testConn) next(t *testing.T) map[string]any {
	t.Helper()
	require.True(t, tc.recv.Scan(), "expected another frame, got EOF: %v", tc.recv.Err())
	var msg map[string]any
	require.NoError(t, json.Unmarshal(tc.recv.Bytes(), &msg))
	return msg
}

func TestRequestGetsExactlyOneResponse(t *testing.T) {
	tc := newTestConn(t)
	tc.conn.OnRequest("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var p map[string]string
		require.NoError(t, UnmarshalParams(params, &p))
		return map[string]string{"echo": p["msg"]}, nil
	})
	tc.start(context.Background())

	tc.write(t, `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"msg":"hi"}}`)
	msg := tc.next(t)
	assert.Equal(t, float64(1), msg["id"])
	assert.Equal(t, map[string]any{"echo": "hi"}, msg["result"])
}

func TestStringIDsAreEchoedBack(t *testing.T) {
	tc := newTestConn(t)
	tc.conn.OnRequest("ping", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})
	tc.start(context.Background())

	tc.write(t, `{"jsonrpc":"2.0","id":"req-abc","method":"ping"}`)
	msg := tc.next(t)
	assert.Equal(t, "req-abc", msg["id"])
	// A nil handler result still produces an explicit result member.
	_, ok := msg["result"]
	assert.True(t, ok)
}

func TestHandlerErrorsMapToCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code float64
	}{
		{"validation", errors.NewKind(errors.KindValidation, "bad field"), -32602},
		{"session busy", errors.WithCode(errors.KindSession, errors.CodeSessionBusy, "Session busy: s"), -32002},
		{"resource", errors.NewKind(errors.KindResource, "no slots"), -32003},
		{"unknown", fmt.Errorf("surprise"), -32603},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestConn(t)
			tc.conn.OnRequest("fail", func(context.Context, json.RawMessage) (any, error) {
				return nil, tt.err
			})
			tc.start(context.Background())
			tc.write(t, `{"jsonrpc":"2.0","id":7,"method":"fail"}`)
			msg := tc.next(t)
			errObj, ok := msg["error"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.code, errObj["code"])
		})
	}
}

func TestMethodNotFound(t *testing.T) {
	tc := newTestConn(t)
	tc.start(context.Background())
	tc.write(t, `{"jsonrpc":"2.0","id":3,"method":"nope"}`)
	msg := tc.next(t)
	errObj := msg["error"].(map[string]any)
	assert.Equal(t, float64(-32601), errObj["code"])
}

func TestParseErrorRespondsWithNullID(t *testing.T) {
	tc := newTestConn(t)
	tc.start(context.Background())
	tc.write(t, `{not json`)
	msg := tc.next(t)
	assert.Nil(t, msg["id"])
	errObj := msg["error"].(map[string]any)
	assert.Equal(t, float64(-32700), errObj["code"])
}

func TestNotificationDispatch(t *testing.T) {
	tc := newTestConn(t)
	got := make(chan string, 1)
	tc.conn.OnNotification("note", func(_ context.Context, params json.RawMessage) {
		var p map[string]string
		_ = json.Unmarshal(params, &p)
		got <- p["v"]
	})
	tc.start(context.Background())
	tc.write(t, `{"jsonrpc":"2.0","method":"note","params":{"v":"x"}}`)
	select {
	case v := <-got:
		assert.Equal(t, "x", v)
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler never ran")
	}
}

func TestOutboundRequestCorrelation(t *testing.T) {
	tc := newTestConn(t)
	tc.start(context.Background())

	type result struct {
		val string
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		var out map[string]string
		err := tc.conn.SendRequest(context.Background(), "host/op", map[string]int{"n": 1}, &out)
		resCh <- result{out["ok"], err}
	}()

	req := tc.next(t)
	assert.Equal(t, "host/op", req["method"])
	id := req["id"].(float64)
	tc.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":"yes"}}`, int64(id)))

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		assert.Equal(t, "yes", r.val)
	case <-time.After(2 * time.Second):
		t.Fatal("request never resolved")
	}
}

func TestOutboundRequestHostError(t *testing.T) {
	tc := newTestConn(t)
	tc.start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- tc.conn.SendRequest(context.Background(), "host/op", nil, nil)
	}()
	req := tc.next(t)
	id := int64(req["id"].(float64))
	tc.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"denied"}}`, id))

	err := <-errCh
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
}

func TestShutdownRejectsPendingRequests(t *testing.T) {
	tc := newTestConn(t)
	tc.start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- tc.conn.SendRequest(context.Background(), "host/slow", nil, nil)
	}()
	tc.next(t) // the request frame

	require.NoError(t, tc.send.Close()) // EOF: transport shuts down

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, errors.CodeResourceExhaust, errors.CodeOf(err))
		assert.Contains(t, err.Error(), "connection destroyed")
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on shutdown")
	}
	<-tc.done
}

func TestDoneClosesOnEOF(t *testing.T) {
	tc := newTestConn(t)
	tc.start(context.Background())

	select {
	case <-tc.conn.Done():
		t.Fatal("done fired before the transport closed")
	default:
	}

	require.NoError(t, tc.send.Close())

	select {
	case <-tc.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done did not fire on EOF")
	}
	<-tc.done
}

func TestOversizedLineIsDiscarded(t *testing.T) {
	tc := newTestConn(t)
	tc.conn.OnRequest("ping", func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
	tc.start(context.Background())

	// Feed an oversized garbage line, then a valid request. Split the writes
	// at arbitrary boundaries to exercise reassembly.
	big := strings.Repeat("x", maxLineBytes+10)
	go func() {
		_, _ = tc.send.Write([]byte(big[:len(big)/2]))
		_, _ = tc.send.Write([]byte(big[len(big)/2:]))
		_, _ = tc.send.Write([]byte("\n"))
		_, _ = tc.send.Write([]byte(`{"jsonrpc":"2.0","id":9,`))
		_, _ = tc.send.Write([]byte(`"method":"ping"}` + "\n"))
	}()

	msg := tc.next(t)
	assert.Equal(t, float64(9), msg["id"])
	assert.Equal(t, "pong", msg["result"])
}

func TestFrameOrderIndependentOfChunkBoundaries(t *testing.T) {
	tc := newTestConn(t)
	got := make(chan string, 3)
	tc.conn.OnNotification("seq", func(_ context.Context, params json.RawMessage) {
		var p map[string]string
		_ = json.Unmarshal(params, &p)
		got <- p["v"]
	})
	tc.start(context.Background())

	stream := `{"jsonrpc":"2.0","method":"seq","params":{"v":"a"}}` + "\n" +
		`{"jsonrpc":"2.0","method":"seq","params":{"v":"b"}}` + "\n" +
		`{"jsonrpc":"2.0","method":"seq","params":{"v":"c"}}` + "\n"
	// Write in awkward chunks.
	go func() {
		for i := 0; i < len(stream); i += 7 {
			end := i + 7
			if end > len(stream) {
				end = len(stream)
			}
			_, _ = tc.send.Write([]byte(stream[i:end]))
		}
	}()

	// Handlers run on separate goroutines, so assert the set, not the order.
	var order []string
	for i := 0; i < 3; i++ {
		select {
		case v := <-got:
			order = append(order, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 3 notifications, got %d", len(order))
		}
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, order)
}

func TestUnmarshalParamsFieldPath(t *testing.T) {
	type p struct {
		Count int `json:"count"`
	}
	var v p
	err := UnmarshalParams(json.RawMessage(`{"count":"nope"}`), &v)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidParams, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "count")
}
