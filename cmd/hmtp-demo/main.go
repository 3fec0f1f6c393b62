// hmtp-demo starts an HMTP server on localhost with an echo service, then
// connects a bidirectional and a unidirectional client to show login,
// query/reply correlation, routing misses and the unidirectional refusal.
//
// Run:  go run ./cmd/hmtp-demo
package main

import (
	"fmt"
	"log"
	"time"

	bam "github.com/ironfang-ltd/go-bam"
)

// printer prints whatever the server sends and hands it to ch.
type printer struct {
	*bam.NullStream
	name string
	ch   chan bam.Packet
}

func newPrinter(name string) *printer {
	return &printer{
		NullStream: bam.NewNullStream(name, nil),
		name:       name,
		ch:         make(chan bam.Packet, 16),
	}
}

func (p *printer) deliver(pk bam.Packet) error {
	fmt.Printf("[%s] %s\n", p.name, pk)
	p.ch <- pk
	return nil
}

func (p *printer) Message(to, from string, value any) error {
	return p.deliver(bam.NewMessage(to, from, value))
}

func (p *printer) MessageError(to, from string, value any, err *bam.ErrorInfo) error {
	return p.deliver(bam.NewMessageError(to, from, value, err))
}

func (p *printer) Query(id uint64, to, from string, value any) error {
	return p.deliver(bam.NewQuery(id, to, from, value))
}

func (p *printer) QueryResult(id uint64, to, from string, value any) error {
	return p.deliver(bam.NewQueryResult(id, to, from, value))
}

func (p *printer) QueryError(id uint64, to, from string, value any, err *bam.ErrorInfo) error {
	return p.deliver(bam.NewQueryError(id, to, from, value, err))
}

func (p *printer) next() bam.Packet {
	select {
	case pk := <-p.ch:
		return pk
	case <-time.After(3 * time.Second):
		log.Fatalf("[%s] timeout waiting for packet", p.name)
		return bam.Packet{}
	}
}

func main() {
	router := bam.NewRouter("bam@example.com")
	defer router.Close()

	echo := bam.ReceiverFunc(func(ctx *bam.Context) error {
		if ctx.Kind() == bam.KindQuery {
			return ctx.Reply(fmt.Sprintf("echo: %v", ctx.Message()))
		}
		return nil
	})
	if _, err := bam.Spawn(router, "echo@example.com", echo); err != nil {
		log.Fatalf("Spawn: %v", err)
	}

	srv, err := bam.NewLinkServer("127.0.0.1:0", router,
		bam.WithAuthenticator(&bam.StaticAuthenticator{
			Domain: "example.com",
			Users:  map[string]string{"alice": "wonderland"},
		}),
		bam.WithQueryTimeout(5*time.Second),
	)
	if err != nil {
		log.Fatalf("NewLinkServer: %v", err)
	}
	srv.Start()
	defer srv.Stop()
	fmt.Printf("hmtp server listening on %s\n", srv.Addr())

	// --- Bidirectional client: login, then query the echo service ---
	alice := newPrinter("alice")
	ca, err := bam.Dial(srv.Addr(), bam.ModeBidirectional, false, alice)
	if err != nil {
		log.Fatalf("Dial: %v", err)
	}
	defer ca.Close()

	fmt.Println("\n--- Login ---")
	if _, err := ca.Login("alice", "wonderland", "demo"); err != nil {
		log.Fatalf("Login: %v", err)
	}
	res := alice.next()
	auth, _ := res.Value().(bam.AuthResult)
	fmt.Printf("logged in as %s\n", auth.Address)

	fmt.Println("\n--- Query echo@example.com ---")
	if err := ca.Send(bam.NewQuery(42, "echo@example.com", "", "hello")); err != nil {
		log.Fatalf("Send: %v", err)
	}
	if reply := alice.next(); reply.ID() == 42 && reply.Kind() == bam.KindQueryResult {
		fmt.Println("OK: reply id matches (42). Query correlation verified.")
	} else {
		fmt.Printf("FAIL: unexpected reply %s\n", reply)
	}

	fmt.Println("\n--- Query an unknown actor ---")
	if err := ca.Send(bam.NewQuery(43, "nobody@example.com", "", "anyone?")); err != nil {
		log.Fatalf("Send: %v", err)
	}
	if reply := alice.next(); reply.Kind() == bam.KindQueryError {
		fmt.Printf("OK: %s\n", reply.Error())
	}

	// --- Unidirectional client: cluster-initiated traffic is refused ---
	fmt.Println("\n--- Unidirectional link ---")
	watcher := newPrinter("watcher")
	cw, err := bam.Dial(srv.Addr(), bam.ModeUnidirectional, false, watcher)
	if err != nil {
		log.Fatalf("Dial: %v", err)
	}
	defer cw.Close()

	var linkAddr string
	deadline := time.Now().Add(3 * time.Second)
	for linkAddr == "" && time.Now().Before(deadline) {
		for _, l := range srv.Links() {
			if l.State() == bam.StateEstablished && l.Mode() == bam.ModeUnidirectional {
				linkAddr = l.Address()
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := ca.Send(bam.NewQuery(44, linkAddr, "", "are you there?")); err != nil {
		log.Fatalf("Send: %v", err)
	}
	if reply := alice.next(); reply.Kind() == bam.KindQueryError {
		fmt.Printf("OK: %s refused: %s\n", linkAddr, reply.Error())
	}

	fmt.Println("\nDemo complete.")
}
