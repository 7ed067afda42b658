package acp

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/acpbridge/acpbridge/errors"
)

// UnmarshalParams decodes request params into v, translating decode failures
// into validation errors that reach the wire as -32602 with the field path.
func UnmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.NewKind(errors.KindValidation, "invalid params: missing params object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return errors.NewKind(errors.KindValidation,
				"invalid params: field %q: expected %s", typeErr.Field, typeErr.Type)
		}
		return errors.WrapKind(err, errors.KindValidation, "invalid params")
	}
	return nil
}

// Client exposes the host-side ACP methods the bridge calls.
type Client struct {
	conn *Conn
}

// NewClient wraps conn for host-ward calls.
func NewClient(conn *Conn) *Client {
	return &Client{conn: conn}
}

// SessionUpdate sends a session/update notification.
func (c *Client) SessionUpdate(sessionID string, update SessionUpdate) error {
	return c.conn.SendNotification(MethodSessionUpdate, SessionNotification{
		SessionID: sessionID,
		Update:    update,
	})
}

// RequestPermission asks the host to approve a tool call and blocks until it
// answers or ctx is cancelled.
func (c *Client) RequestPermission(ctx context.Context, params RequestPermissionParams) (*RequestPermissionResult, error) {
	var result RequestPermissionResult
	if err := c.conn.SendRequest(ctx, MethodRequestPermission, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadTextFile reads a file through the host's filesystem capability.
func (c *Client) ReadTextFile(ctx context.Context, params ReadTextFileParams) (string, error) {
	var result ReadTextFileResult
	if err := c.conn.SendRequest(ctx, MethodReadTextFile, params, &result); err != nil {
		return "", err
	}
	return result.Content, nil
}

// WriteTextFile writes a file through the host's filesystem capability.
func (c *Client) WriteTextFile(ctx context.Context, params WriteTextFileParams) error {
	return c.conn.SendRequest(ctx, MethodWriteTextFile, params, nil)
}
