package bam

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestMain loads a .env file (if present) before running tests, so that
// BAM_TEST_DSN and other variables can be set without exporting them in
// the shell. Lines must be KEY=VALUE (no quotes are stripped, # comments
// and blank lines are skipped).
func TestMain(m *testing.M) {
	loadDotEnv(".env")
	os.Exit(m.Run())
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return // file not found, not an error
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		// Don't overwrite existing env vars (explicit env takes precedence).
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// recorder is a MessageStream that remembers every call.
type recorder struct {
	*NullStream

	mu  sync.Mutex
	got []Packet
}

func newRecorder(address string) *recorder {
	return &recorder{NullStream: NewNullStream(address, nil)}
}

func (r *recorder) add(p Packet) error {
	r.mu.Lock()
	r.got = append(r.got, p)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Message(to, from string, value any) error {
	return r.add(NewMessage(to, from, value))
}

func (r *recorder) MessageError(to, from string, value any, err *ErrorInfo) error {
	return r.add(NewMessageError(to, from, value, err))
}

func (r *recorder) Query(id uint64, to, from string, value any) error {
	return r.add(NewQuery(id, to, from, value))
}

func (r *recorder) QueryResult(id uint64, to, from string, value any) error {
	return r.add(NewQueryResult(id, to, from, value))
}

func (r *recorder) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	return r.add(NewQueryError(id, to, from, value, err))
}

func (r *recorder) packets() []Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Packet, len(r.got))
	copy(out, r.got)
	return out
}

// waitFor waits until at least n packets were recorded and returns them.
func (r *recorder) waitFor(t *testing.T, n int) []Packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.packets(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := r.packets()
	t.Fatalf("%s: got %d packets, want %d: %v", r.Address(), len(got), n, got)
	return nil
}

var errUnsupported = errors.New("unsupported")

// faulty fails every message and query, by returning err or, when err is
// nil, by panicking.
type faulty struct {
	*recorder
	err error
}

func newFaulty(address string, err error) *faulty {
	return &faulty{recorder: newRecorder(address), err: err}
}

func (f *faulty) fail() error {
	if f.err == nil {
		panic("handler exploded")
	}
	return f.err
}

func (f *faulty) Message(to, from string, value any) error {
	f.recorder.Message(to, from, value)
	return f.fail()
}

func (f *faulty) Query(id uint64, to, from string, value any) error {
	f.recorder.Query(id, to, from, value)
	return f.fail()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var linkSeq atomic.Int64

// pipeLink is a Link served over net.Pipe with a Client on the other end.
type pipeLink struct {
	link   *Link
	client *Client
	peer   *recorder
	served chan error
}

func startPipeLink(t *testing.T, router Broker, mode LinkMode, admin bool, opts ...Option) *pipeLink {
	t.Helper()
	return startPipeLinkWith(t, router, mode, admin, nil, opts...)
}

// startPipeLinkWith is startPipeLink with a custom client-side handler.
// pl.peer stays empty when handler is non-nil.
func startPipeLinkWith(t *testing.T, router Broker, mode LinkMode, admin bool, handler MessageStream, opts ...Option) *pipeLink {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	id := "t" + strconv.FormatInt(linkSeq.Add(1), 10)
	link := NewLink(id, serverConn, router, opts...)

	pl := &pipeLink{
		link:   link,
		peer:   newRecorder("peer"),
		served: make(chan error, 1),
	}
	go func() { pl.served <- link.Serve() }()

	if handler == nil {
		handler = pl.peer
	}
	client, err := NewClient(clientConn, mode, admin, handler)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	pl.client = client

	eventually(t, "link established", func() bool { return link.State() == StateEstablished })
	t.Cleanup(func() {
		client.Close()
		link.Close()
	})
	return pl
}
