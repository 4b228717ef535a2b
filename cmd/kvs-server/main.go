package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ryansann/kvs/config"
	"github.com/ryansann/kvs/pkg/admin"
	"github.com/ryansann/kvs/pkg/engine"
	"github.com/ryansann/kvs/pkg/metrics"
	"github.com/ryansann/kvs/pkg/tcp"
	"github.com/sirupsen/logrus"
)

const version = "0.1.0"

func main() {
	cfgPath := flag.String("config", "config.json", "path to an optional JSON config file")
	addr := flag.String("addr", "", "address to listen on, overrides the config (default 127.0.0.1:4000)")
	eng := flag.String("engine", "", "storage engine, kvs or art; defaults to the engine the data dir was initialized with")
	adminAddr := flag.String("admin", "", "address for the admin http server, empty disables it unless configured")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *eng != "" {
		cfg.Storage.Engine = *eng
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
	}

	log, err := cfg.Log.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	err = run(log, cfg)
	if err != nil {
		log.Fatal(err)
	}
}

func run(log *logrus.Logger, cfg config.Config) error {
	var kind engine.Kind
	if cfg.Storage.Engine != "" {
		k, err := engine.ParseKind(cfg.Storage.Engine)
		if err != nil {
			return err
		}
		kind = k
	}

	m := metrics.New()

	e, err := engine.Open(log, kind, cfg.Storage.Directory, engine.Options{
		SegmentSize:    cfg.Storage.SegmentBytes,
		MergeThreshold: cfg.Storage.MergeBytes,
		SyncInterval:   time.Duration(cfg.Storage.SyncInterval),
		Metrics:        m,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Errorf("error closing engine: %v", err)
		}
	}()

	log.Infof("kvs-server %s, engine %s, listening on %s", version, e.Name(), cfg.Server.Addr)

	srv := tcp.NewServer(log, e,
		tcp.Addr(cfg.Server.Addr),
		tcp.ReadTimeout(time.Duration(cfg.Server.ReadTimeout)),
		tcp.ShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeout)),
		tcp.Metrics(m),
	)

	err = srv.Listen()
	if err != nil {
		srv.Close()
		return err
	}

	var adm *admin.Server
	if cfg.Admin.Addr != "" {
		adm = admin.NewServer(log, cfg.Admin.Addr, admin.NewHandler(log, e, m, srv.Inflight))
		go func() {
			if err := adm.ListenAndServe(); err != nil {
				log.Errorf("admin server: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		// this blocks until we receive a signal
		sig := <-sigs

		log.Infof("received %v signal, shutting down...", sig)

		if adm != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
			defer cancel()

			if err := adm.Shutdown(ctx); err != nil {
				log.Errorf("error shutting down admin server: %v", err)
			}
		}

		err := srv.Close()
		if err != nil {
			log.Error(err)
		}
	}()

	// Serve blocks until the server is Closed
	err = srv.Serve()
	if err != nil {
		return err
	}

	// wait for the worker to stop before the engine is closed
	return srv.Close()
}
