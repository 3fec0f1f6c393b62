package bam

import (
	"context"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminSources is what the admin server reports on. Nil fields are
// reported as empty.
type AdminSources struct {
	Links    *LinkServer
	Router   *Router
	Cluster  *Cluster
	Metrics  *Metrics
	Gatherer prometheus.Gatherer
}

// AdminServer exposes operational endpoints over HTTP. All responses
// except /metrics are JSON. Intended for admin/internal networks only.
type AdminServer struct {
	src      AdminSources
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(addr string, src AdminSources) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		src:      src,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/status", as.handleStatus)
	mux.HandleFunc("/links", as.handleLinks)
	mux.HandleFunc("/router/addresses", as.handleAddresses)
	mux.HandleFunc("/cluster/members", as.handleClusterMembers)
	if src.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(src.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

// statusResponse is the JSON structure for GET /status.
type statusResponse struct {
	Router    string           `json:"router"`
	State     string           `json:"state"` // "standalone" or "clustered"
	ServerID  string           `json:"server_id,omitempty"`
	Epoch     int64            `json:"epoch,omitempty"`
	Listen    string           `json:"listen,omitempty"`
	Links     int              `json:"links"`
	Addresses int              `json:"addresses"`
	Metrics   map[string]int64 `json:"metrics,omitempty"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{State: "standalone"}
	if as.src.Router != nil {
		resp.Router = as.src.Router.Address()
		resp.Addresses = len(as.src.Router.Addresses())
	}
	if as.src.Links != nil {
		resp.Listen = as.src.Links.Addr()
		resp.Links = len(as.src.Links.Links())
	}
	if cl := as.src.Cluster; cl != nil {
		resp.State = "clustered"
		resp.ServerID = cl.LocalServerID()
		resp.Epoch = cl.Epoch()
	}
	if as.src.Metrics != nil {
		resp.Metrics = as.src.Metrics.Snapshot()
	}

	writeJSON(w, resp)
}

// linkEntry is a single link in the GET /links response.
type linkEntry struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	State       string `json:"state"`
	Mode        string `json:"mode,omitempty"`
	Admin       bool   `json:"admin"`
	Login       string `json:"login,omitempty"`
	Remote      string `json:"remote"`
	OpenedAt    string `json:"opened_at"`
	Pending     int    `json:"pending"`
	OpenQueries int    `json:"open_queries"`
}

type linksResponse struct {
	Links []linkEntry `json:"links"`
}

func (as *AdminServer) handleLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := linksResponse{Links: []linkEntry{}}
	if as.src.Links != nil {
		for _, l := range as.src.Links.Links() {
			e := linkEntry{
				ID:          l.ID(),
				Address:     l.Address(),
				State:       l.State().String(),
				Admin:       l.Admin(),
				Login:       l.LoginAddress(),
				Remote:      l.RemoteAddr(),
				OpenedAt:    l.OpenedAt().Format(time.RFC3339),
				Pending:     l.Pending(),
				OpenQueries: l.OpenQueries(),
			}
			if l.State() == StateEstablished {
				e.Mode = l.Mode().String()
			}
			resp.Links = append(resp.Links, e)
		}
	}

	writeJSON(w, resp)
}

type addressesResponse struct {
	Addresses []string `json:"addresses"`
}

func (as *AdminServer) handleAddresses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := addressesResponse{Addresses: []string{}}
	if as.src.Router != nil {
		resp.Addresses = append(resp.Addresses, as.src.Router.Addresses()...)
	}
	writeJSON(w, resp)
}

// memberEntry is a single server in the GET /cluster/members response.
type memberEntry struct {
	ServerID    string `json:"server_id"`
	Address     string `json:"address"`
	Epoch       int64  `json:"epoch,omitempty"`
	LeaseExpiry string `json:"lease_expiry,omitempty"`
	Wakes       int64  `json:"wakes"`
	LastWake    string `json:"last_wake,omitempty"`
}

type membersResponse struct {
	Members []memberEntry `json:"members"`
}

func (as *AdminServer) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := membersResponse{Members: []memberEntry{}}
	if as.src.Cluster != nil {
		for _, m := range as.src.Cluster.Members() {
			info := m.Info()
			e := memberEntry{
				ServerID: info.ServerID,
				Address:  info.Address,
				Epoch:    info.Epoch,
				Wakes:    m.Pool().Wakes(),
			}
			if !info.LeaseExpiry.IsZero() {
				e.LeaseExpiry = info.LeaseExpiry.Format(time.RFC3339)
			}
			if lw := m.Pool().LastWake(); !lw.IsZero() {
				e.LastWake = lw.Format(time.RFC3339)
			}
			resp.Members = append(resp.Members, e)
		}
	}

	writeJSON(w, resp)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}
