package toolproc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// maxLineBytes bounds a single protocol line read from a tool server.
const maxLineBytes = 16 << 20

// writeDeadliner is implemented by *os.File pipes.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn multiplexes calls over one tool server's stdin/stdout pair.
// Requests are written under a mutex; a single reader goroutine routes
// responses to waiting callers by request id.
type Conn struct {
	name   string
	w      io.Writer
	logger *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	// sem is non-nil when the tool server cannot pipeline requests; it
	// limits the connection to one outstanding call.
	sem chan struct{}

	mu      sync.Mutex
	pending map[string]chan Response
	failErr error

	done       chan struct{}
	readerDone chan struct{}
}

// NewConn starts reading responses from r and returns a Conn that writes
// requests to w. When serialize is true, calls are issued one at a time.
func NewConn(name string, r io.Reader, w io.Writer, serialize bool, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conn{
		name:       name,
		w:          w,
		logger:     logger,
		pending:    make(map[string]chan Response),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	if serialize {
		c.sem = make(chan struct{}, 1)
	}
	go c.readLoop(r)
	return c
}

// Call sends method with params and waits for the matching response. A nil
// params value is sent as an empty object. The wait ends when the response
// arrives, ctx is done or the connection fails.
func (c *Conn) Call(ctx context.Context, method string, params json.RawMessage, correlationID string) (json.RawMessage, error) {
	if ctx.Err() != nil {
		return nil, c.ctxError(ctx, method)
	}
	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-ctx.Done():
			return nil, c.ctxError(ctx, method)
		case <-c.done:
			return nil, &unsentError{err: c.Err()}
		}
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	line, err := json.Marshal(Request{
		RequestID:     id,
		Method:        method,
		Params:        params,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}
	line = append(line, '\n')

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.failErr != nil {
		err := c.failErr
		c.mu.Unlock()
		return nil, &unsentError{err: err}
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.write(ctx, line); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, c.ctxError(ctx, method)
		}
		if failErr := c.Err(); failErr != nil {
			return nil, &unsentError{err: failErr}
		}
		return nil, &unsentError{err: fmt.Errorf("%w: writing to %s: %v", ErrToolProcessCrashed, c.name, err)}
	}

	select {
	case resp := <-ch:
		return resultOf(resp)
	case <-ctx.Done():
		return nil, c.ctxError(ctx, method)
	case <-c.done:
		// A response routed just before the failure still wins.
		select {
		case resp := <-ch:
			return resultOf(resp)
		default:
		}
		return nil, c.Err()
	}
}

// Fail marks the connection dead and releases every pending caller with
// err. The first failure wins; later calls are no-ops.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return
	}
	c.failErr = err
	close(c.done)
}

// Err returns the error the connection failed with, or nil while it is live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}

// Done is closed once the connection has failed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ReaderDone is closed when the response reader reaches end of stream.
func (c *Conn) ReaderDone() <-chan struct{} { return c.readerDone }

// Pending returns the number of calls waiting for a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Conn) write(ctx context.Context, line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if wd, ok := c.w.(writeDeadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			_ = wd.SetWriteDeadline(deadline)
			defer wd.SetWriteDeadline(time.Time{}) //nolint:errcheck
		}
	}
	_, err := c.w.Write(line)
	return err
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) ctxError(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s on %s", ErrToolCallTimeout, method, c.name)
	}
	return fmt.Errorf("%s on %s: %w", method, c.name, ctx.Err())
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.readerDone)

	br := bufio.NewReaderSize(r, 64<<10)
	for {
		line, err := readLine(br)
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, errLineTooLong) {
				c.logger.Debug("tool stdout closed", zap.String("tool", c.name), zap.Error(err))
			}
			if errors.Is(err, errLineTooLong) {
				c.logger.Warn("discarding oversized line from tool", zap.String("tool", c.name))
				continue
			}
			return
		}
	}
}

func (c *Conn) dispatch(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil || resp.RequestID == "" {
		c.logger.Warn("discarding malformed line from tool",
			zap.String("tool", c.name),
			zap.ByteString("line", truncate(line, 256)),
		)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("discarding response with no pending call",
			zap.String("tool", c.name),
			zap.String("request_id", resp.RequestID),
		)
		return
	}
	ch <- resp
}

// unsentError is returned when a call failed before its request reached the
// tool server. Such a call can be retried on the next generation.
type unsentError struct {
	err error
}

func (e *unsentError) Error() string { return e.err.Error() }
func (e *unsentError) Unwrap() error { return e.err }

// notSent reports whether err is a call failure that never wrote its request.
func notSent(err error) bool {
	var u *unsentError
	return errors.As(err, &u)
}

var errLineTooLong = errors.New("line too long")

// readLine reads up to the next newline. Lines over maxLineBytes are
// consumed and reported with errLineTooLong.
func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(buf)+len(chunk) > maxLineBytes {
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = br.ReadSlice('\n')
			}
			if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
				return nil, err
			}
			return nil, errLineTooLong
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
}

func resultOf(resp Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, &ToolCallError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
