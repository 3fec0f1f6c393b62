package bam

import (
	"testing"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

func runNats(t *testing.T) string {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

func startBridge(t *testing.T, url string, router *Router) *NatsBridge {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(nc.Close)

	b := NewNatsBridge(nc, "bamtest", router)
	if err := b.Start(); err != nil {
		t.Fatalf("bridge Start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestNatsBridge_QueryAcrossProcesses(t *testing.T) {
	url := runNats(t)

	east := NewRouter("east")
	west := NewRouter("west")
	spawnEcho(t, west, "echo@west")

	eastBridge := startBridge(t, url, east)
	westBridge := startBridge(t, url, west)

	eventually(t, "echo@west announced", func() bool { return eastBridge.Known("echo@west") })

	client := newRecorder("client@east")
	east.Register(client)
	eventually(t, "client@east exported", func() bool { return westBridge.Known("client@east") })

	if err := east.Query(11, "echo@west", "client@east", "across"); err != nil {
		t.Fatalf("Query: %v", err)
	}

	got := client.waitFor(t, 1)[0]
	if got.Kind() != KindQueryResult || got.ID() != 11 || got.Value() != "across" {
		t.Fatalf("client got %s", got)
	}
	if got.From() != "echo@west" {
		t.Errorf("from = %q, want echo@west", got.From())
	}
}

func TestNatsBridge_UnknownAddressStillMisses(t *testing.T) {
	url := runNats(t)
	router := NewRouter("solo")
	client := newRecorder("client")
	router.Register(client)
	startBridge(t, url, router)

	Submit(router, NewQuery(2, "nobody@anywhere", "client", nil))

	got := client.packets()
	if len(got) != 1 || got[0].Error() == nil || got[0].Error().Condition != ConditionItemNotFound {
		t.Fatalf("client got %v, want item-not-found", got)
	}
}

func TestNatsBridge_UnexportWithdrawsAddress(t *testing.T) {
	url := runNats(t)
	east := NewRouter("east")
	west := NewRouter("west")
	eastBridge := startBridge(t, url, east)
	startBridge(t, url, west)

	svc := newRecorder("svc@west")
	west.Register(svc)
	eventually(t, "svc@west announced", func() bool { return eastBridge.Known("svc@west") })

	west.Unregister("svc@west")
	eventually(t, "svc@west withdrawn", func() bool { return !eastBridge.Known("svc@west") })
}

func TestNatsBridge_FaultReflectedAcrossProcesses(t *testing.T) {
	url := runNats(t)
	east := NewRouter("east")
	west := NewRouter("west")
	eastBridge := startBridge(t, url, east)
	westBridge := startBridge(t, url, west)

	west.Register(newFaulty("broken@west", errUnsupported))
	client := newRecorder("client@east")
	east.Register(client)
	eventually(t, "addresses exchanged", func() bool {
		return eastBridge.Known("broken@west") && westBridge.Known("client@east")
	})

	east.Query(3, "broken@west", "client@east", nil)

	got := client.waitFor(t, 1)[0]
	if got.Kind() != KindQueryError || got.ID() != 3 {
		t.Fatalf("client got %s", got)
	}
}
