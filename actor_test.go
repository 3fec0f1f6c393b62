package bam

import (
	"errors"
	"testing"
)

func TestActor_ReceivesInOrder(t *testing.T) {
	r := NewRouter("bus")
	seen := make(chan int, 100)
	a, err := Spawn(r, "counter", ReceiverFunc(func(ctx *Context) error {
		seen <- ctx.Message().(int)
		return nil
	}))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer a.Close()

	for i := 0; i < 100; i++ {
		r.Message("counter", "client", i)
	}
	for i := 0; i < 100; i++ {
		if got := <-seen; got != i {
			t.Fatalf("received %d, want %d", got, i)
		}
	}
}

func TestActor_SpawnDuplicate(t *testing.T) {
	r := NewRouter("bus")
	noop := ReceiverFunc(func(*Context) error { return nil })

	a, err := Spawn(r, "svc", noop)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer a.Close()

	if _, err := Spawn(r, "svc", noop); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("second Spawn = %v, want ErrAddressInUse", err)
	}
}

func TestActor_FailReplies(t *testing.T) {
	r := NewRouter("bus")
	client := newRecorder("client")
	r.Register(client)

	a, _ := Spawn(r, "svc", ReceiverFunc(func(ctx *Context) error {
		return ctx.Fail(NewErrorInfo(ErrorTypeModify, ConditionBadRequest, "nope"))
	}))
	defer a.Close()

	r.Query(3, "svc", "client", nil)

	got := client.waitFor(t, 1)
	if got[0].Kind() != KindQueryError || got[0].Error().Condition != ConditionBadRequest {
		t.Fatalf("client got %s", got[0])
	}
}

func TestActor_OneReplyPerQuery(t *testing.T) {
	r := NewRouter("bus")
	client := newRecorder("client")
	r.Register(client)

	secondErr := make(chan error, 1)
	flushed := make(chan struct{})
	a, _ := Spawn(r, "svc", ReceiverFunc(func(ctx *Context) error {
		if ctx.Kind() == KindMessage {
			close(flushed)
			return nil
		}
		ctx.Reply("first")
		secondErr <- ctx.Reply("second")
		return errors.New("late failure")
	}))
	defer a.Close()

	r.Query(5, "svc", "client", nil)
	if err := <-secondErr; !errors.Is(err, ErrAlreadyReplied) {
		t.Fatalf("second Reply = %v, want ErrAlreadyReplied", err)
	}

	// A trailing message proves the mailbox has moved past the query.
	r.Message("svc", "client", "flush")
	<-flushed
	got := client.packets()
	if len(got) != 1 || got[0].Kind() != KindQueryResult || got[0].Value() != "first" {
		t.Fatalf("client got %v, want one query-result", got)
	}
}

func TestActor_ReplyOutsideQuery(t *testing.T) {
	r := NewRouter("bus")
	errCh := make(chan error, 1)
	a, _ := Spawn(r, "svc", ReceiverFunc(func(ctx *Context) error {
		errCh <- ctx.Reply("x")
		return nil
	}))
	defer a.Close()

	r.Message("svc", "client", nil)
	if err := <-errCh; !errors.Is(err, ErrNotAQuery) {
		t.Fatalf("Reply on message = %v, want ErrNotAQuery", err)
	}
}

func TestActor_QueryBetweenActors(t *testing.T) {
	r := NewRouter("bus")
	a, _ := Spawn(r, "doubler", ReceiverFunc(func(ctx *Context) error {
		return ctx.Reply(ctx.Message().(int) * 2)
	}))
	defer a.Close()

	answers := make(chan Packet, 1)
	b, _ := Spawn(r, "asker", ReceiverFunc(func(ctx *Context) error {
		switch ctx.Kind() {
		case KindMessage:
			_, err := ctx.Query("doubler", ctx.Message())
			return err
		case KindQueryResult:
			answers <- ctx.Packet()
		}
		return nil
	}))
	defer b.Close()

	r.Message("asker", "client", 21)
	p := <-answers
	if p.Value() != 42 || p.From() != "doubler" || p.ID() != 1 {
		t.Fatalf("asker got %s", p)
	}
}

func TestActor_Close(t *testing.T) {
	r := NewRouter("bus")
	a, _ := Spawn(r, "svc", ReceiverFunc(func(*Context) error { return nil }))
	a.Close()
	a.Close()

	if !a.IsClosed() {
		t.Fatal("actor not closed")
	}
	if _, ok := r.LookupLocal("svc").(*FallbackStream); !ok {
		t.Error("closed actor still registered")
	}
	if err := a.Message("svc", "client", nil); !errors.Is(err, ErrMailboxClosed) {
		t.Errorf("Message after Close = %v, want ErrMailboxClosed", err)
	}
}

func TestActor_CloseAnswersAcceptedQueries(t *testing.T) {
	r := NewRouter("bus")
	client := newRecorder("client")
	r.Register(client)

	started := make(chan struct{})
	release := make(chan struct{})
	a, err := Spawn(r, "svc", ReceiverFunc(func(ctx *Context) error {
		if ctx.ID() == 1 {
			close(started)
			<-release
		}
		return ctx.Reply("done")
	}))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	for id := uint64(1); id <= 3; id++ {
		if err := r.Query(id, "svc", "client", nil); err != nil {
			t.Fatalf("Query %d: %v", id, err)
		}
	}
	<-started
	a.Close()
	close(release)

	got := client.waitFor(t, 3)
	var results, refused int
	for _, p := range got {
		switch {
		case p.Kind() == KindQueryResult && p.ID() == 1:
			results++
		case p.Kind() == KindQueryError && p.Error().Condition == ConditionServiceUnavailable:
			refused++
		default:
			t.Errorf("unexpected reply %s", p)
		}
	}
	if results != 1 || refused != 2 {
		t.Fatalf("got %d results and %d refusals, want 1 and 2", results, refused)
	}
}

func TestActor_CloseUnregisteredIsNotAMiss(t *testing.T) {
	r := NewRouter("bus")
	metrics := NewMetrics()
	r.SetMetrics(metrics)
	remote := &fakeRemote{}
	r.SetRemote(remote)
	noop := ReceiverFunc(func(*Context) error { return nil })

	loose := NewActor("loose", r, noop, 0)
	loose.Close()

	spawned, err := Spawn(r, "svc", noop)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	spawned.Close()

	if n := metrics.RoutingMisses.Load(); n != 0 {
		t.Errorf("RoutingMisses = %d, want 0", n)
	}
	if remote.lookups != 0 {
		t.Errorf("remote consulted %d times on Close", remote.lookups)
	}
	if len(r.Addresses()) != 0 {
		t.Errorf("addresses after Close: %v", r.Addresses())
	}
	if len(remote.removed) != 1 || remote.removed[0] != "svc" {
		t.Errorf("unexported = %v, want [svc]", remote.removed)
	}
}
