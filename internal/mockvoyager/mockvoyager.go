// Package mockvoyager is an in-repo stand-in for the telescope-control
// host: a TCP listener speaking the newline-delimited JSON protocol with
// scriptable behaviours for tests.
package mockvoyager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures the mock host.
type Config struct {
	Addr string

	// FlipStatus is returned from RemoteMountStatusGetInfo. 4 simulates a
	// fork mount.
	FlipStatus int
}

// DefaultConfig listens on an ephemeral port and reports a fork mount.
func DefaultConfig() *Config {
	return &Config{
		Addr:       "127.0.0.1:0",
		FlipStatus: 4,
	}
}

// Record is one JSON object received from the bridge.
type Record map[string]any

// Event returns the record's Event name, if any.
func (r Record) Event() string {
	s, _ := r["Event"].(string)
	return s
}

// Method returns the record's RPC method name, if any.
func (r Record) Method() string {
	s, _ := r["method"].(string)
	return s
}

// Server is the mock host interface.
type Server interface {
	Start() error
	Stop(ctx context.Context)
	Addr() string

	SendEvent(fields map[string]any) error
	SendRecenterRequired(hostPath string) error
	SendCalibrationRequired() error
	SendAbort() error

	SetFlipStatus(status int)
	RejectNextRPC(code int, message string)
	FailNextActionResult(status int)
	SetShotHandler(fn func(hostFilename string))

	Received() []Record
	ReceivedEvents(name string) []Record
	ReceivedRequests(method string) []Record
	WaitForEvent(name string, count int, timeout time.Duration) bool
}

// New creates a mock host.
func New(cfg *Config) Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &mockServer{cfg: cfg}
	s.flipStatus.Store(int64(cfg.FlipStatus))
	return s
}

// StartTestServer starts a mock host with defaults and returns cleanup.
func StartTestServer() (Server, func()) {
	srv := New(DefaultConfig())
	if err := srv.Start(); err != nil {
		return srv, func() {}
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
	return srv, cleanup
}

type rejectSpec struct {
	code    int
	message string
}

type mockServer struct {
	cfg      *Config
	listener net.Listener
	addr     string

	mu       sync.Mutex
	conn     net.Conn
	received []Record

	flipStatus  atomic.Int64
	stopped     atomic.Bool
	rejectNext  atomic.Pointer[rejectSpec]
	failNext    atomic.Int64 // 0 = disabled, else ActionResultInt to return
	shotHandler atomic.Pointer[func(string)]
	writeMu     sync.Mutex
}

func (s *mockServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	go s.acceptLoop()
	return nil
}

func (s *mockServer) Stop(ctx context.Context) {
	s.stopped.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *mockServer) Addr() string {
	return s.addr
}

func (s *mockServer) acceptLoop() {
	for !s.stopped.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.readLoop(conn)
	}
}

func (s *mockServer) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, rec)
		s.mu.Unlock()

		if rec.Method() != "" {
			s.respond(rec)
		}
	}
}

// respond answers an RPC request with the jsonrpc reply and, when the
// command completed, the matching RemoteActionResult event.
func (s *mockServer) respond(rec Record) {
	id := int(asFloat(rec["id"]))
	params, _ := rec["params"].(map[string]any)
	uid, _ := params["UID"].(string)

	if spec := s.rejectNext.Swap(nil); spec != nil {
		s.writeRecord(map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": spec.code, "message": spec.message},
		})
		return
	}

	s.writeRecord(map[string]any{"jsonrpc": "2.0", "id": id, "result": 0})

	method := rec.Method()
	if method == "RemoteActionAbort" {
		return
	}

	if method == "RemoteCameraShot" {
		if fn := s.shotHandler.Load(); fn != nil {
			if name, ok := params["FitFileName"].(string); ok {
				(*fn)(name)
			}
		}
	}

	status := 4
	if v := s.failNext.Swap(0); v != 0 {
		status = int(v)
	}

	result := map[string]any{
		"Event":           "RemoteActionResult",
		"Timestamp":       fmt.Sprintf("%d", time.Now().Unix()),
		"UID":             uid,
		"ActionResultInt": status,
		"Motivo":          "",
		"ParamRet":        s.paramRet(method),
	}
	s.writeRecord(result)
}

func (s *mockServer) paramRet(method string) map[string]any {
	if method == "RemoteMountStatusGetInfo" {
		return map[string]any{"FlipStatus": int(s.flipStatus.Load())}
	}
	return map[string]any{}
}

func (s *mockServer) writeRecord(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\r', '\n')

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = conn.Write(data)
	return err
}

func (s *mockServer) SendEvent(fields map[string]any) error {
	return s.writeRecord(fields)
}

func (s *mockServer) SendRecenterRequired(hostPath string) error {
	return s.SendEvent(map[string]any{
		"Event":          "DonutsRecenterRequired",
		"Timestamp":      fmt.Sprintf("%d", time.Now().Unix()),
		"Host":           "mock",
		"Inst":           1,
		"FITPathAndName": hostPath,
	})
}

func (s *mockServer) SendCalibrationRequired() error {
	return s.SendEvent(map[string]any{
		"Event":     "DonutsCalibrationRequired",
		"Timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		"Host":      "mock",
		"Inst":      1,
	})
}

func (s *mockServer) SendAbort() error {
	return s.SendEvent(map[string]any{
		"Event":     "DonutsAbort",
		"Timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		"Host":      "mock",
		"Inst":      1,
	})
}

func (s *mockServer) SetFlipStatus(status int) {
	s.flipStatus.Store(int64(status))
}

func (s *mockServer) RejectNextRPC(code int, message string) {
	s.rejectNext.Store(&rejectSpec{code: code, message: message})
}

func (s *mockServer) FailNextActionResult(status int) {
	s.failNext.Store(int64(status))
}

func (s *mockServer) SetShotHandler(fn func(hostFilename string)) {
	s.shotHandler.Store(&fn)
}

func (s *mockServer) Received() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.received))
	copy(out, s.received)
	return out
}

func (s *mockServer) ReceivedEvents(name string) []Record {
	var out []Record
	for _, r := range s.Received() {
		if r.Event() == name {
			out = append(out, r)
		}
	}
	return out
}

func (s *mockServer) ReceivedRequests(method string) []Record {
	var out []Record
	for _, r := range s.Received() {
		if r.Method() == method {
			out = append(out, r)
		}
	}
	return out
}

// WaitForEvent blocks until at least count events named name have been
// received from the bridge, or the timeout elapses.
func (s *mockServer) WaitForEvent(name string, count int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		n := 0
		for _, r := range s.received {
			if r.Event() == name {
				n++
			}
		}
		if n >= count {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		s.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		s.mu.Lock()
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
