// Command sqlrelayd is the demo frontend: it accepts MariaDB/MySQL client
// connections, classifies each command, selects a route, and dispatches to
// a backend chosen by a reference route.Router. It exists so the core
// packages are runnable end-to-end; a production deployment would plug in
// its own topology-aware router and its own frontend transport.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlrelay/sqlrelay/internal/config"
	"github.com/sqlrelay/sqlrelay/internal/metrics"
	"github.com/sqlrelay/sqlrelay/internal/pool"
	"github.com/sqlrelay/sqlrelay/internal/route"
	"github.com/sqlrelay/sqlrelay/internal/router"
)

const (
	defaultIdleTTL      = 5 * time.Minute
	defaultPingInterval = 30 * time.Second
)

// backendSet is everything one configured backend needs at request time:
// a router to resolve targets, a pool of idle connections, and the
// credentials/TLS policy to hand a freshly dialed backend.Engine.
type backendSet struct {
	name   string
	router *router.Router
	pool   *pool.Pool
	cfg    *config.BackendConfig
}

func main() {
	configPath := flag.String("config", "sqlrelay.ini", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[sqlrelayd] failed to load config: %v", err)
	}

	metrics.Init()
	go func() {
		if cfg.Metrics == "" {
			return
		}
		http.Handle("/metrics", metrics.Handler())
		log.Printf("[sqlrelayd] metrics endpoint at http://localhost%s/metrics", cfg.Metrics)
		log.Printf("[sqlrelayd] pprof endpoints at http://localhost%s/debug/pprof/", cfg.Metrics)
		if err := http.ListenAndServe(cfg.Metrics, nil); err != nil {
			log.Printf("[sqlrelayd] metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends := buildBackends(cfg, ctx)
	log.Printf("[sqlrelayd] configured %d backend(s), default %q", len(backends), cfg.DefaultBackend)

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatalf("[sqlrelayd] failed to listen on %s: %v", cfg.Listen, err)
	}
	log.Printf("[sqlrelayd] listening on %s", cfg.Listen)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				log.Printf("[sqlrelayd] accept error: %v", err)
				continue
			}
			go handleConnection(conn, backends, cfg.DefaultBackend)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	log.Println("[sqlrelayd] started. press Ctrl+C to stop, send SIGHUP to reload config.")

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			log.Println("[sqlrelayd] received SIGHUP, reloading configuration")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Printf("[sqlrelayd] failed to reload config: %v", err)
				continue
			}
			reloadBackends(backends, newCfg, ctx)
			cfg = newCfg

		case syscall.SIGINT, syscall.SIGTERM:
			log.Println("[sqlrelayd] shutting down")
			for _, b := range backends {
				b.pool.Close()
			}
			return
		}
	}
}

func buildBackends(cfg *config.Config, ctx context.Context) map[string]*backendSet {
	out := make(map[string]*backendSet, len(cfg.Backends))
	for name, bc := range cfg.Backends {
		primary, replicas, addrs := cfg.RouterBackend(name)
		r := router.New(router.Backend{Primary: primary, Replicas: replicas}, addrs)
		go r.StartHealthChecks(ctx, route.DefaultHealthCheckInterval)

		p, err := pool.New(defaultIdleTTL, defaultPingInterval)
		if err != nil {
			log.Fatalf("[sqlrelayd] failed to create pool for backend %q: %v", name, err)
		}

		out[name] = &backendSet{name: name, router: r, pool: p, cfg: bc}
	}
	return out
}

func reloadBackends(current map[string]*backendSet, cfg *config.Config, ctx context.Context) {
	for name, bc := range cfg.Backends {
		b, exists := current[name]
		if !exists {
			primary, replicas, addrs := cfg.RouterBackend(name)
			r := router.New(router.Backend{Primary: primary, Replicas: replicas}, addrs)
			go r.StartHealthChecks(ctx, route.DefaultHealthCheckInterval)
			p, err := pool.New(defaultIdleTTL, defaultPingInterval)
			if err != nil {
				log.Printf("[sqlrelayd] failed to create pool for new backend %q: %v", name, err)
				continue
			}
			current[name] = &backendSet{name: name, router: r, pool: p, cfg: bc}
			continue
		}
		primary, replicas, addrs := cfg.RouterBackend(name)
		b.router.UpdateReplicas(primary, replicas, addrs)
		b.cfg = bc
	}
}
