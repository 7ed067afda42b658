package acp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSessionUpdateNotification(t *testing.T) {
	tc := newTestConn(t)
	tc.start(context.Background())
	client := NewClient(tc.conn)

	require.NoError(t, client.SessionUpdate("s1", AgentMessageChunk("hello")))

	msg := tc.next(t)
	assert.Equal(t, "session/update", msg["method"])
	_, hasID := msg["id"]
	assert.False(t, hasID, "session/update is a notification")

	params := msg["params"].(map[string]any)
	assert.Equal(t, "s1", params["sessionId"])
	update := params["update"].(map[string]any)
	assert.Equal(t, "agent_message_chunk", update["sessionUpdate"])
	content := update["content"].(map[string]any)
	assert.Equal(t, "hello", content["text"])
}

func TestClientRequestPermissionRoundTrip(t *testing.T) {
	tc := newTestConn(t)
	tc.start(context.Background())
	client := NewClient(tc.conn)

	type reply struct {
		result *RequestPermissionResult
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		result, err := client.RequestPermission(context.Background(), RequestPermissionParams{
			SessionID: "s1",
			Options: []PermissionOption{
				{OptionID: string(AllowOnce), Name: "Allow", Kind: AllowOnce},
				{OptionID: string(RejectOnce), Name: "Reject", Kind: RejectOnce},
			},
		})
		done <- reply{result, err}
	}()

	req := tc.next(t)
	assert.Equal(t, "session/request_permission", req["method"])
	id := int64(req["id"].(float64))
	tc.write(t, fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%d,"result":{"outcome":{"outcome":"selected","optionId":"allow_once"}}}`, id))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "selected", r.result.Outcome.Outcome)
		assert.Equal(t, string(AllowOnce), r.result.Outcome.OptionID)
	case <-time.After(2 * time.Second):
		t.Fatal("permission request never resolved")
	}
}

func TestClientReadTextFile(t *testing.T) {
	tc := newTestConn(t)
	tc.start(context.Background())
	client := NewClient(tc.conn)

	type reply struct {
		content string
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		content, err := client.ReadTextFile(context.Background(), ReadTextFileParams{
			SessionID: "s1", Path: "/w/main.go",
		})
		done <- reply{content, err}
	}()

	req := tc.next(t)
	assert.Equal(t, "fs/read_text_file", req["method"])
	params := req["params"].(map[string]any)
	assert.Equal(t, "/w/main.go", params["path"])
	id := int64(req["id"].(float64))
	tc.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"content":"package main"}}`, id))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "package main", r.content)
	case <-time.After(2 * time.Second):
		t.Fatal("read never resolved")
	}
}

func TestClientWriteTextFileError(t *testing.T) {
	tc := newTestConn(t)
	tc.start(context.Background())
	client := NewClient(tc.conn)

	done := make(chan error, 1)
	go func() {
		done <- client.WriteTextFile(context.Background(), WriteTextFileParams{
			SessionID: "s1", Path: "/w/out.txt", Content: "data",
		})
	}()

	req := tc.next(t)
	assert.Equal(t, "fs/write_text_file", req["method"])
	params := req["params"].(map[string]any)
	assert.Equal(t, "data", params["content"])
	id := int64(req["id"].(float64))
	tc.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32600,"message":"read-only workspace"}}`, id))

	select {
	case err := <-done:
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Contains(t, rpcErr.Message, "read-only")
	case <-time.After(2 * time.Second):
		t.Fatal("write never resolved")
	}
}
