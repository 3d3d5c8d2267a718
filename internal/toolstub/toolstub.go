// Package toolstub is a small tool server speaking the toolproc stdio
// protocol. It backs the stubtool binary and the helper-process tests.
package toolstub

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rtreit/stockripperv2/toolproc"
)

// EnvPrefix names the environment variable that prefixes every advertised
// tool name, so several stub servers can run side by side.
const EnvPrefix = "TOOLSTUB_PREFIX"

// Options configures Serve.
type Options struct {
	// Prefix is prepended to every tool name.
	Prefix string
	// Exit terminates the server for the crash method. Defaults to os.Exit.
	Exit func(code int)
	// Stderr receives diagnostic lines. Defaults to os.Stderr.
	Stderr io.Writer
}

type server struct {
	opts Options

	writeMu sync.Mutex
	w       io.Writer

	gatesMu sync.Mutex
	gates   map[string]chan struct{}
}

// Serve reads requests from r and writes responses to w until r is
// exhausted. Requests are handled concurrently, so responses may be written
// in a different order than requests arrived.
func Serve(r io.Reader, w io.Writer, opts Options) error {
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	s := &server{opts: opts, w: w, gates: make(map[string]chan struct{})}
	fmt.Fprintf(opts.Stderr, "toolstub serving pid=%d prefix=%q\n", os.Getpid(), opts.Prefix)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	for scanner.Scan() {
		var req toolproc.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Fprintf(opts.Stderr, "toolstub: bad request: %v\n", err)
			continue
		}
		go s.handle(req)
	}
	return scanner.Err()
}

// Tools returns the tool list advertised with the given name prefix.
func Tools(prefix string) []toolproc.ToolInfo {
	return []toolproc.ToolInfo{
		{
			Name:        prefix + "echo",
			Description: "Returns its arguments unchanged",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		},
		{
			Name:        prefix + "upper",
			Description: "Upper-cases the text argument",
			InputSchema: json.RawMessage(`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`),
		},
		{
			Name:        prefix + "sleep",
			Description: "Sleeps for ms milliseconds",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"integer","minimum":0}}}`),
		},
		{
			Name:        prefix + "fail",
			Description: "Always returns a tool error",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		},
		{
			Name:        prefix + "whoami",
			Description: "Reports the server pid and the request correlation id",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		},
	}
}

func (s *server) handle(req toolproc.Request) {
	if req.Method == toolproc.HandshakeMethod {
		s.reply(req.RequestID, toolproc.ListToolsResult{Tools: Tools(s.opts.Prefix)})
		return
	}

	var params map[string]any
	_ = json.Unmarshal(req.Params, &params)

	switch strings.TrimPrefix(req.Method, s.opts.Prefix) {
	case "echo":
		s.replyRaw(req.RequestID, req.Params)
	case "upper":
		text, _ := params["text"].(string)
		s.reply(req.RequestID, map[string]string{"text": strings.ToUpper(text)})
	case "sleep":
		ms, _ := params["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		s.reply(req.RequestID, map[string]any{"slept": ms})
	case "fail":
		msg, _ := params["message"].(string)
		if msg == "" {
			msg = "requested failure"
		}
		s.fail(req.RequestID, "ToolFailed", msg)
	case "whoami":
		s.reply(req.RequestID, map[string]any{"pid": os.Getpid(), "correlationId": req.CorrelationID})
	case "wait":
		name, _ := params["gate"].(string)
		<-s.gate(name)
		s.reply(req.RequestID, map[string]string{"gate": name})
	case "release":
		name, _ := params["gate"].(string)
		s.release(name)
		s.reply(req.RequestID, map[string]string{"released": name})
	case "env":
		name, _ := params["name"].(string)
		s.reply(req.RequestID, map[string]string{"value": os.Getenv(name)})
	case "garbage":
		s.writeLine([]byte("this is not json"))
		s.writeLine([]byte(`{"requestId":"no-such-request","result":{}}`))
		s.reply(req.RequestID, map[string]bool{"ok": true})
	case "crash":
		s.opts.Exit(3)
	default:
		s.fail(req.RequestID, "MethodNotFound", "unknown method "+req.Method)
	}
}

func (s *server) gate(name string) chan struct{} {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g, ok := s.gates[name]
	if !ok {
		g = make(chan struct{})
		s.gates[name] = g
	}
	return g
}

func (s *server) release(name string) {
	g := s.gate(name)
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	select {
	case <-g:
	default:
		close(g)
	}
}

func (s *server) reply(id string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.fail(id, "Internal", err.Error())
		return
	}
	s.replyRaw(id, raw)
}

func (s *server) replyRaw(id string, result json.RawMessage) {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	s.send(toolproc.Response{RequestID: id, Result: result})
}

func (s *server) fail(id, code, msg string) {
	s.send(toolproc.Response{RequestID: id, Error: &toolproc.RPCError{Code: code, Message: msg}})
}

func (s *server) send(resp toolproc.Response) {
	line, err := json.Marshal(resp)
	if err != nil {
		fmt.Fprintf(s.opts.Stderr, "toolstub: encoding response: %v\n", err)
		return
	}
	s.writeLine(line)
}

func (s *server) writeLine(line []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.w.Write(append(line, '\n'))
}
