// Package acp implements the Agent Client Protocol wire layer: newline
// delimited JSON-RPC 2.0 over a byte stream, with request correlation and a
// single-writer output queue.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/errors"
)

const (
	// maxLineBytes caps the inbound line buffer. A legitimate JSON-RPC frame
	// fits far under this; anything larger is discarded with a warning.
	maxLineBytes = 1 << 20

	// writeHighWater bounds the outbound queue. Enqueueing blocks once the
	// queue is full, which suspends backend event consumption until the
	// host drains.
	writeHighWater = 10_000
)

// RequestHandler serves one inbound request and returns its result. Errors
// are translated to JSON-RPC error responses by kind.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler serves one inbound notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Conn is a bidirectional JSON-RPC 2.0 endpoint over newline-delimited JSON.
// All outbound frames funnel through one writer goroutine so no two frames
// interleave. Handlers must be registered before Run starts.
type Conn struct {
	r   *bufio.Reader
	w   io.Writer
	log *zap.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *wireMessage

	reqHandlers  map[string]RequestHandler
	noteHandlers map[string]NotificationHandler

	writeQ      chan []byte
	writeFailed atomic.Bool
	done        chan struct{} // closed when the read loop exits
	writerDone  chan struct{} // closed when the writer has drained
	readErr     error
}

// NewConn builds a connection reading frames from r and writing to w.
func NewConn(r io.Reader, w io.Writer, log *zap.Logger) *Conn {
	return &Conn{
		r:            bufio.NewReaderSize(r, 64*1024),
		w:            w,
		log:          log,
		pending:      make(map[int64]chan *wireMessage),
		reqHandlers:  make(map[string]RequestHandler),
		noteHandlers: make(map[string]NotificationHandler),
		writeQ:       make(chan []byte, writeHighWater),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
}

// OnRequest registers the handler for an inbound request method.
// Must be called before Run.
func (c *Conn) OnRequest(method string, h RequestHandler) {
	c.reqHandlers[method] = h
}

// OnNotification registers the handler for an inbound notification method.
// Must be called before Run.
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	c.noteHandlers[method] = h
}

// Run processes inbound frames until EOF, a read error, or ctx cancellation.
// On exit all pending outbound requests are rejected and queued writes are
// flushed. Must be called exactly once.
func (c *Conn) Run(ctx context.Context) error {
	go c.writerLoop()

	readCh := make(chan []byte)
	go func() {
		defer close(readCh)
		for {
			line, err := c.readLine()
			if err != nil {
				if err != io.EOF {
					c.readErr = err
				}
				return
			}
			if line == nil {
				continue // oversized or blank line, already logged
			}
			select {
			case readCh <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case line, ok := <-readCh:
			if !ok {
				break loop
			}
			c.dispatch(ctx, line)
		case <-ctx.Done():
			break loop
		}
	}

	c.shutdown()
	<-c.writerDone
	return c.readErr
}

// Done is closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SendRequest issues an outbound request and blocks until the host responds
// or ctx expires. result, when non-nil, receives the unmarshalled result.
func (c *Conn) SendRequest(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan *wireMessage, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := marshalFrame(&outboundFrame{JSONRPC: "2.0", ID: numberID(id), Method: method, Params: params})
	if err != nil {
		c.removePending(id)
		return errors.Wrapf(err, "marshal %s request", method)
	}
	if err := c.enqueue(frame); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case resp, ok := <-ch:
		return c.finishRequest(resp, ok, method, result)
	case <-ctx.Done():
		c.removePending(id)
		// The response may have landed just before cancellation.
		select {
		case resp, ok := <-ch:
			return c.finishRequest(resp, ok, method, result)
		default:
			return ctx.Err()
		}
	}
}

// SendNotification issues an outbound notification.
func (c *Conn) SendNotification(method string, params any) error {
	frame, err := marshalFrame(&outboundFrame{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return errors.Wrapf(err, "marshal %s notification", method)
	}
	return c.enqueue(frame)
}

// --- read side ---

// readLine reads one newline-terminated line, accumulating continuation
// fragments. Lines beyond maxLineBytes are discarded entirely; the remainder
// of the oversized line is consumed so framing stays aligned.
func (c *Conn) readLine() ([]byte, error) {
	var buf []byte
	for {
		frag, isPrefix, err := c.r.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(buf)+len(frag) > maxLineBytes {
			for isPrefix {
				_, isPrefix, err = c.r.ReadLine()
				if err != nil {
					return nil, err
				}
			}
			c.log.Warn("discarding oversized frame", zap.Int("limit", maxLineBytes))
			return nil, nil
		}
		buf = append(buf, frag...)
		if !isPrefix {
			break
		}
	}
	if len(buf) == 0 {
		return nil, nil
	}
	return buf, nil
}

func (c *Conn) dispatch(ctx context.Context, line []byte) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.log.Warn("frame decode failed", zap.Error(err))
		c.respondError(nil, errors.CodeParseError, "Parse error")
		return
	}

	switch {
	case msg.Method != "" && msg.ID != nil:
		c.handleRequest(ctx, &msg)
	case msg.Method != "":
		c.handleNotification(ctx, &msg)
	case msg.ID != nil:
		c.handleResponse(&msg)
	default:
		c.respondError(nil, errors.CodeInvalidRequest, "Invalid Request")
	}
}

// handleRequest runs the registered handler in its own goroutine so that
// long-running operations never block the reader. Exactly one response is
// written per request.
func (c *Conn) handleRequest(ctx context.Context, msg *wireMessage) {
	h, ok := c.reqHandlers[msg.Method]
	if !ok {
		c.respondError(msg.ID, errors.CodeMethodNotFound, "Method not found: "+msg.Method)
		return
	}
	id := msg.ID
	params := msg.Params
	go func() {
		result, err := h(ctx, params)
		if err != nil {
			c.respondError(id, errors.CodeOf(err), userMessage(err))
			return
		}
		c.respondResult(id, result)
	}()
}

func (c *Conn) handleNotification(ctx context.Context, msg *wireMessage) {
	h, ok := c.noteHandlers[msg.Method]
	if !ok {
		return // unknown notification, ignore
	}
	go h(ctx, msg.Params)
}

func (c *Conn) handleResponse(msg *wireMessage) {
	var id int64
	if err := json.Unmarshal(*msg.ID, &id); err != nil {
		return // we only issue numeric ids; drop anything else
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return // duplicate or unsolicited
	}
	ch <- msg
}

func (c *Conn) finishRequest(resp *wireMessage, ok bool, method string, result any) error {
	if !ok {
		return errors.WithCode(errors.KindResource, errors.CodeResourceExhaust, "connection destroyed")
	}
	if resp.Error != nil {
		return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if result != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.Wrapf(err, "unmarshal %s result", method)
		}
	}
	return nil
}

// --- write side ---

func (c *Conn) respondResult(id *json.RawMessage, result any) {
	frame, err := marshalFrame(&outboundFrame{JSONRPC: "2.0", ID: id, Result: result, hasResult: true})
	if err != nil {
		c.respondError(id, errors.CodeInternalError, "marshal result: "+err.Error())
		return
	}
	if err := c.enqueue(frame); err != nil {
		c.log.Warn("dropping response", zap.Error(err))
	}
}

func (c *Conn) respondError(id *json.RawMessage, code int, message string) {
	frame, _ := marshalFrame(&outboundFrame{
		JSONRPC: "2.0",
		ID:      idOrNull(id),
		Error:   &wireError{Code: code, Message: message},
	})
	if err := c.enqueue(frame); err != nil {
		c.log.Warn("dropping error response", zap.Error(err))
	}
}

// enqueue hands a frame to the writer. Blocks while the queue is at the high
// water mark, applying backpressure to the producer.
func (c *Conn) enqueue(frame []byte) error {
	if c.writeFailed.Load() {
		return errors.NewKind(errors.KindProtocol, "transport write failed")
	}
	select {
	case c.writeQ <- frame:
		return nil
	case <-c.done:
		return errors.WithCode(errors.KindResource, errors.CodeResourceExhaust, "connection destroyed")
	}
}

func (c *Conn) writerLoop() {
	defer close(c.writerDone)
	for {
		select {
		case frame := <-c.writeQ:
			c.writeFrame(frame)
		case <-c.done:
			// Flush whatever is still queued, then exit.
			for {
				select {
				case frame := <-c.writeQ:
					c.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) writeFrame(frame []byte) {
	if c.writeFailed.Load() {
		return
	}
	if _, err := c.w.Write(append(frame, '\n')); err != nil {
		c.log.Error("transport write failed", zap.Error(err))
		c.writeFailed.Store(true)
	}
}

// shutdown rejects all pending outbound requests and releases the writer.
func (c *Conn) shutdown() {
	close(c.done)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Conn) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// userMessage strips the internal caller prefix chain down to the first
// human-relevant message for the wire.
func userMessage(err error) string {
	var be *errors.Error
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}

// --- wire types ---

type wireMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *wireError       `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RPCError is a JSON-RPC error returned by the host for an outbound request.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// outboundFrame marshals requests, notifications, and responses. Responses
// must carry an explicit result member even when it is null.
type outboundFrame struct {
	JSONRPC   string           `json:"jsonrpc"`
	ID        *json.RawMessage `json:"id,omitempty"`
	Method    string           `json:"method,omitempty"`
	Params    any              `json:"params,omitempty"`
	Result    any              `json:"result,omitempty"`
	Error     *wireError       `json:"error,omitempty"`
	hasResult bool
}

func marshalFrame(f *outboundFrame) ([]byte, error) {
	if f.hasResult && f.Result == nil {
		f.Result = json.RawMessage("null")
	}
	return json.Marshal(f)
}

func numberID(id int64) *json.RawMessage {
	raw := json.RawMessage(strconv.FormatInt(id, 10))
	return &raw
}

// idOrNull substitutes an explicit null id for parse errors on unknown frames.
func idOrNull(id *json.RawMessage) *json.RawMessage {
	if id != nil {
		return id
	}
	null := json.RawMessage("null")
	return &null
}
