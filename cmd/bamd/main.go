// bamd runs a standalone bus process: an HMTP listener in front of a
// router, with optional SQL-backed cluster membership, a NATS bridge to
// other bamd processes and an admin HTTP server.
//
// Run:
//
//	go run ./cmd/bamd -config bamd.toml
//
// Services registered by bamd:
//
//	echo@<domain>       answers every query with its own value
//	linkwatch@<domain>  logs link-close payloads (default link_close_to)
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	bam "github.com/ironfang-ltd/go-bam"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	bam.InitLogger(cfg.logLevel(), cfg.LogFormat)

	if err := run(cfg); err != nil {
		slog.Error("bamd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	metrics := bam.NewMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(reg); err != nil {
		return err
	}

	router := bam.NewRouter("bam@" + cfg.Domain)
	router.SetMetrics(metrics)
	defer router.Close()

	if err := startServices(router, cfg); err != nil {
		return err
	}

	cluster, err := startCluster(cfg.Cluster)
	if err != nil {
		return err
	}
	if cluster != nil {
		defer cluster.Stop()
	}

	if cfg.Nats.URL != "" {
		nc, err := nats.Connect(cfg.Nats.URL, nats.Name("bamd "+cfg.Cluster.ServerID))
		if err != nil {
			return err
		}
		defer nc.Close()

		bridge := bam.NewNatsBridge(nc, cfg.Nats.Prefix, router)
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Stop()
	}

	namespaces := bam.StaticNamespaces{}
	for _, ns := range cfg.Namespaces {
		namespaces[ns] = true
	}

	opts := []bam.Option{
		bam.WithMetrics(metrics),
		bam.WithAuthenticator(&bam.StaticAuthenticator{
			Domain: cfg.Domain,
			Users:  cfg.Users,
			Admins: cfg.Admins,
		}),
		bam.WithNamespaces(namespaces),
		bam.WithLinkCloseNotifier(&bam.BrokerCloseNotifier{Broker: router, To: cfg.LinkCloseTo}),
		bam.WithQueryTimeout(cfg.QueryTimeout.Duration),
		bam.WithIdleTimeout(cfg.IdleTimeout.Duration),
	}
	if cfg.MailboxSize > 0 {
		opts = append(opts, bam.WithMailboxSize(cfg.MailboxSize))
	}
	if cluster != nil {
		opts = append(opts, bam.WithCluster(cluster))
	}

	srv, err := bam.NewLinkServer(cfg.Listen, router, opts...)
	if err != nil {
		return err
	}
	srv.Start()
	defer srv.Stop()
	slog.Info("hmtp listening", "addr", srv.Addr(), "router", router.Address())

	if cfg.AdminListen != "" {
		as, err := bam.NewAdminServer(cfg.AdminListen, bam.AdminSources{
			Links:    srv,
			Router:   router,
			Cluster:  cluster,
			Metrics:  metrics,
			Gatherer: reg,
		})
		if err != nil {
			return err
		}
		as.Start()
		defer as.Stop()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("shutting down", "signal", s.String())
	return nil
}

func startServices(router *bam.Router, cfg config) error {
	echo := bam.ReceiverFunc(func(ctx *bam.Context) error {
		if ctx.Kind() == bam.KindQuery {
			return ctx.Reply(ctx.Message())
		}
		return nil
	})
	if _, err := bam.Spawn(router, "echo@"+cfg.Domain, echo); err != nil {
		return err
	}

	watch := bam.ReceiverFunc(func(ctx *bam.Context) error {
		slog.Info("link closed", "link", ctx.From(), "payload", ctx.Message())
		return nil
	})
	if cfg.LinkCloseTo == "linkwatch@"+cfg.Domain {
		if _, err := bam.Spawn(router, cfg.LinkCloseTo, watch); err != nil {
			return err
		}
	}
	return nil
}

func startCluster(cc clusterConfig) (*bam.Cluster, error) {
	if cc.ServerID == "" {
		return nil, nil
	}

	if cc.Driver == "" {
		members := make([]bam.MemberInfo, len(cc.Members))
		for i, m := range cc.Members {
			members[i] = bam.MemberInfo{ServerID: m.ServerID, Address: m.Address}
		}
		return bam.NewStaticCluster(cc.ServerID, members), nil
	}

	dialect, err := bam.DialectFor(cc.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cc.Driver, cc.DSN)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cc.Migrate {
		if err := bam.MigrateSchema(ctx, db); err != nil {
			return nil, err
		}
	}

	cluster := bam.NewCluster(db, bam.ClusterConfig{
		ServerID:      cc.ServerID,
		Address:       cc.Address,
		Dialect:       dialect,
		PollInterval:  cc.PollInterval.Duration,
		LeaseDuration: cc.LeaseDuration.Duration,
	})
	if err := cluster.Start(ctx); err != nil {
		return nil, err
	}
	return cluster, nil
}
