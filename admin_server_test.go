package bam

import (
	"io"
	"net/http"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
)

func startAdmin(t *testing.T, src AdminSources) string {
	t.Helper()
	as, err := NewAdminServer("127.0.0.1:0", src)
	if err != nil {
		t.Fatalf("NewAdminServer: %v", err)
	}
	as.Start()
	t.Cleanup(as.Stop)
	return "http://" + as.Addr()
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET %s: content type %q", url, ct)
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
}

func TestAdminServer_Endpoints(t *testing.T) {
	router := NewRouter("bus")
	spawnEcho(t, router, "echo@example.com")

	metrics := NewMetrics()
	srv, err := NewLinkServer("127.0.0.1:0", router, WithMetrics(metrics), WithAuthenticator(testAuth()))
	if err != nil {
		t.Fatalf("NewLinkServer: %v", err)
	}
	srv.Start()
	defer srv.Stop()

	cluster := NewStaticCluster("node-1", []MemberInfo{
		{ServerID: "node-1", Address: "10.0.0.1:6800"},
		{ServerID: "node-2", Address: "10.0.0.2:6800"},
	})
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	base := startAdmin(t, AdminSources{
		Links:    srv,
		Router:   router,
		Cluster:  cluster,
		Metrics:  metrics,
		Gatherer: reg,
	})

	peer := newRecorder("peer")
	client, err := Dial(srv.Addr(), ModeBidirectional, false, peer)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	client.Login("alice", "wonderland", "")
	peer.waitFor(t, 1)

	var status statusResponse
	getJSON(t, base+"/status", &status)
	if status.State != "clustered" || status.ServerID != "node-1" || status.Links != 1 {
		t.Errorf("status = %+v", status)
	}
	if status.Metrics["logins"] != 1 {
		t.Errorf("status logins = %d, want 1", status.Metrics["logins"])
	}

	var links linksResponse
	getJSON(t, base+"/links", &links)
	if len(links.Links) != 1 {
		t.Fatalf("links = %+v", links)
	}
	if l := links.Links[0]; l.Login != "alice@example.com" || l.Mode != "bidirectional" || l.State != "established" {
		t.Errorf("link entry = %+v", l)
	}

	var addrs addressesResponse
	getJSON(t, base+"/router/addresses", &addrs)
	found := map[string]bool{}
	for _, a := range addrs.Addresses {
		found[a] = true
	}
	if !found["echo@example.com"] || !found["alice@example.com"] || !found[links.Links[0].Address] {
		t.Errorf("addresses = %v", addrs.Addresses)
	}

	var members membersResponse
	getJSON(t, base+"/cluster/members", &members)
	if len(members.Members) != 2 || members.Members[1].ServerID != "node-2" {
		t.Errorf("members = %+v", members)
	}

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "bam_logins_total 1") {
		t.Errorf("/metrics missing bam_logins_total:\n%s", body)
	}
}

func TestAdminServer_Standalone(t *testing.T) {
	base := startAdmin(t, AdminSources{})

	var status statusResponse
	getJSON(t, base+"/status", &status)
	if status.State != "standalone" || status.Links != 0 {
		t.Errorf("status = %+v", status)
	}

	var members membersResponse
	getJSON(t, base+"/cluster/members", &members)
	if len(members.Members) != 0 {
		t.Errorf("members = %+v", members)
	}

	resp, err := http.Post(base+"/status", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", resp.StatusCode)
	}
}
