package bam

import (
	"errors"
	"testing"
	"time"
)

func TestMailbox_DeliversInOrder(t *testing.T) {
	target := newRecorder("svc")
	m := NewMailbox("svc", target, nil, 16)
	defer m.Close()

	const n = 1000
	for i := 0; i < n; i++ {
		if err := m.Message("svc", "client", i); err != nil {
			t.Fatalf("Message %d: %v", i, err)
		}
	}

	got := target.waitFor(t, n)
	for i, p := range got {
		if p.Value() != i {
			t.Fatalf("packet %d has value %v", i, p.Value())
		}
	}
}

func TestMailbox_ReflectsFaults(t *testing.T) {
	router := NewRouter("bus")
	client := newRecorder("client")
	router.Register(client)

	m := NewMailbox("svc", newFaulty("svc", errUnsupported), router, 0)
	defer m.Close()
	metrics := NewMetrics()
	m.setMetrics(metrics)

	m.Query(8, "svc", "client", "x")

	got := client.waitFor(t, 1)
	if got[0].Kind() != KindQueryError || got[0].ID() != 8 {
		t.Fatalf("client got %s, want query-error 8", got[0])
	}
	eventually(t, "fault counted", func() bool { return metrics.DispatchFaults.Load() == 1 })
}

func TestMailbox_Close(t *testing.T) {
	m := NewMailbox("svc", newRecorder("svc"), nil, 4)
	if m.Cap() != 4 {
		t.Errorf("Cap = %d, want 4", m.Cap())
	}

	m.Close()
	m.Close()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	if err := m.Message("svc", "client", 1); !errors.Is(err, ErrMailboxClosed) {
		t.Errorf("Message after Close = %v, want ErrMailboxClosed", err)
	}
}

func TestMailbox_BlockedSenderReleasedByClose(t *testing.T) {
	block := make(chan struct{})
	target := &blockingStream{NullStream: NewNullStream("svc", nil), release: block}
	m := NewMailbox("svc", target, nil, 1)
	defer close(block)

	m.Message("svc", "c", 1) // taken by the worker, which then blocks
	eventually(t, "worker busy", func() bool { return m.Len() == 0 })
	m.Message("svc", "c", 2) // fills the queue

	errCh := make(chan error, 1)
	go func() { errCh <- m.Message("svc", "c", 3) }()

	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrMailboxClosed) {
			t.Errorf("blocked Message = %v, want ErrMailboxClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked sender not released")
	}
}

func TestMailbox_CloseRefusesQueued(t *testing.T) {
	router := NewRouter("bus")
	client := newRecorder("client")
	router.Register(client)

	block := make(chan struct{})
	target := &blockingStream{NullStream: NewNullStream("svc", nil), release: block}
	m := NewMailbox("svc", target, router, 8)

	m.Message("svc", "client", 1)
	eventually(t, "worker busy", func() bool { return m.Len() == 0 })
	m.Query(2, "svc", "client", "q")
	m.Message("svc", "client", 3)
	m.QueryResult(4, "svc", "client", "late")

	m.Close()
	close(block)
	<-m.Done()

	got := client.waitFor(t, 2)
	if len(got) != 2 {
		t.Fatalf("client got %d packets, want 2: %v", len(got), got)
	}
	if got[0].Kind() != KindQueryError || got[0].ID() != 2 {
		t.Errorf("first refusal = %s, want query-error 2", got[0])
	}
	if got[1].Kind() != KindMessageError || got[1].Value() != 3 {
		t.Errorf("second refusal = %s, want message-error for 3", got[1])
	}
	for _, p := range got {
		if p.Error().Condition != ConditionServiceUnavailable || p.From() != "svc" {
			t.Errorf("refusal %s: condition %s from %q", p, p.Error().Condition, p.From())
		}
	}
}

func TestMailbox_FailFastWhenFull(t *testing.T) {
	block := make(chan struct{})
	target := &blockingStream{NullStream: NewNullStream("svc", nil), release: block}
	m := NewMailbox("svc", target, nil, 1)
	m.setFailFast()
	metrics := NewMetrics()
	m.setMetrics(metrics)
	defer m.Close()
	defer close(block)

	m.Message("svc", "c", 1)
	eventually(t, "worker busy", func() bool { return m.Len() == 0 })
	if err := m.Message("svc", "c", 2); err != nil {
		t.Fatalf("Message into empty slot: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Query(3, "svc", "c", nil) }()

	select {
	case err := <-done:
		info := ErrorInfoFrom(err)
		if info == nil || info.Type != ErrorTypeWait || info.Condition != ConditionServiceUnavailable {
			t.Fatalf("Query into full mailbox = %v, want wait/service-unavailable", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Query blocked on a full fail-fast mailbox")
	}
	if metrics.MailboxRejects.Load() != 1 {
		t.Errorf("MailboxRejects = %d, want 1", metrics.MailboxRejects.Load())
	}

	// The owner may still wait for room.
	sent := make(chan error, 1)
	go func() { sent <- m.send(NewMessage("svc", "c", 4)) }()
	select {
	case <-sent:
		t.Fatal("send returned while the queue was full")
	case <-time.After(20 * time.Millisecond):
	}
}

type blockingStream struct {
	*NullStream
	release chan struct{}
}

func (s *blockingStream) Message(string, string, any) error {
	<-s.release
	return nil
}
