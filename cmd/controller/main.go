// Command controller runs the distributed build controller: the event
// loop and every singleton and per-connection state machine described in
// spec §4, wired together and exposed on the initiator and helper TCP
// ports plus an operator-facing debug HTTP port.
//
// Grounded on the teacher's cmd/coordinator/main.go and cmd/worker/main.go
// for the signal-handling and graceful-shutdown shape; flag parsing
// follows inful-docbuilder's kong-based cmd/docbuilder/main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"distbuildctl/internal/adminauth"
	"distbuildctl/internal/cacheclient"
	"distbuildctl/internal/config"
	"distbuildctl/internal/connmachine"
	"distbuildctl/internal/debugserver"
	"distbuildctl/internal/eventloop"
	"distbuildctl/internal/helperrouter"
	"distbuildctl/internal/initiatorconn"
	"distbuildctl/internal/jsonconn"
	"distbuildctl/internal/metrics"
	"distbuildctl/internal/queuer"
	"distbuildctl/internal/workerconn"
)

// CLI is the controller's flag surface. Flags take final precedence over
// the file and environment layers config.LoadControllerConfig applies.
type CLI struct {
	Config               string `short:"c" help:"Configuration file path (JSON)."`
	InitiatorPort        int    `name:"initiator-port" help:"TCP port initiators connect to."`
	HelperPort           int    `name:"helper-port" help:"TCP port helpers connect to."`
	DebugPort            int    `name:"debug-port" help:"TCP port the debug/metrics HTTP surface listens on."`
	CacheServer          string `name:"cache-server" help:"Base URL of the read-only artifact cache server."`
	WriteableCacheServer string `name:"writeable-cache-server" help:"Base URL of the writeable artifact cache server."`
	Workers              string `name:"workers" help:"Comma-separated host:port list of worker addresses to dial out to."`
	ReconnectInterval    time.Duration `name:"reconnect-interval" help:"Retry interval for outbound worker connections."`
	AdminSecret          string `name:"admin-secret" help:"HMAC secret signing the debug surface's bearer tokens."`
}

func main() {
	cli := &CLI{}
	kong.Parse(cli, kong.Description("distbuildctl: distributed build controller."))

	cfg, err := config.LoadControllerConfig(cli.Config)
	if err != nil {
		log.Fatalf("controller: %v", err)
	}
	applyFlagOverrides(cfg, cli)

	metrics.Register(prometheus.DefaultRegisterer)

	loop := eventloop.New()
	cache := cacheclient.New(cfg.CacheServer, cfg.WriteableCacheServer)
	router := helperrouter.New()
	loop.AddMachine(router)
	q := queuer.New()
	loop.AddMachine(q)
	workers := workerconn.NewRegistry()
	go loop.Run()

	guard := adminauth.New(cfg.AdminTokenSecret, time.Hour)
	dbg := debugserver.New(fmt.Sprintf(":%d", cfg.DebugPort), guard, debugserver.Sources{
		Workers: func() []debugserver.WorkerSnapshot { return workerSnapshots(workers) },
		Jobs:    func() []debugserver.JobSnapshot { return jobSnapshots(loop, q) },
	})
	go func() {
		if err := dbg.ListenAndServe(); err != nil {
			log.Printf("controller: debug server stopped: %v", err)
		}
	}()

	initiatorListener := mustListen(cfg.InitiatorPort, "initiator")
	helperListener := mustListen(cfg.HelperPort, "helper")
	go acceptInitiators(loop, initiatorListener, cache)
	go acceptHelpers(loop, helperListener)

	for _, w := range cfg.Workers {
		dialWorker(loop, w, cfg.ReconnectInterval, cache, workers)
	}

	log.Printf("controller: listening on initiator=:%d helper=:%d debug=:%d, dialing %d worker(s)",
		cfg.InitiatorPort, cfg.HelperPort, cfg.DebugPort, len(cfg.Workers))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	log.Print("controller: shutdown signal received, closing listeners")
	initiatorListener.Close()
	helperListener.Close()
	os.Exit(0)
}

func applyFlagOverrides(cfg *config.ControllerConfig, cli *CLI) {
	if cli.InitiatorPort != 0 {
		cfg.InitiatorPort = cli.InitiatorPort
	}
	if cli.HelperPort != 0 {
		cfg.HelperPort = cli.HelperPort
	}
	if cli.DebugPort != 0 {
		cfg.DebugPort = cli.DebugPort
	}
	if cli.CacheServer != "" {
		cfg.CacheServer = cli.CacheServer
	}
	if cli.WriteableCacheServer != "" {
		cfg.WriteableCacheServer = cli.WriteableCacheServer
	}
	if cli.ReconnectInterval != 0 {
		cfg.ReconnectInterval = cli.ReconnectInterval
	}
	if cli.AdminSecret != "" {
		cfg.AdminTokenSecret = cli.AdminSecret
	}
	if cli.Workers != "" {
		if workers, err := config.ParseWorkerList(cli.Workers); err == nil {
			cfg.Workers = workers
		} else {
			log.Printf("controller: ignoring invalid --workers value: %v", err)
		}
	}
}

func mustListen(port int, role string) net.Listener {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Fatalf("controller: failed to listen for %s connections on :%d: %v", role, port, err)
	}
	return l
}

func acceptInitiators(loop *eventloop.Loop, l net.Listener, cache *cacheclient.Client) {
	for {
		netConn, err := l.Accept()
		if err != nil {
			log.Printf("controller: initiator listener stopped: %v", err)
			return
		}
		conn := jsonconn.Wrap(netConn)
		log.Printf("controller: initiator connected from %s", conn.RemoteAddr)
		initiatorconn.New(conn, cache).Start(loop)
	}
}

func acceptHelpers(loop *eventloop.Loop, l net.Listener) {
	for {
		netConn, err := l.Accept()
		if err != nil {
			log.Printf("controller: helper listener stopped: %v", err)
			return
		}
		conn := jsonconn.Wrap(netConn)
		log.Printf("controller: helper connected from %s", conn.RemoteAddr)
		loop.Post(nil, helperrouter.HelperConnected{Conn: conn})
		conn.StartReading(loop)
	}
}

func dialWorker(loop *eventloop.Loop, addr config.WorkerAddress, interval time.Duration, cache *cacheclient.Client, registry *workerconn.Registry) {
	cm := connmachine.New(addr.Host, addr.Port, interval, func(loop *eventloop.Loop, netConn net.Conn, owner *connmachine.Machine) {
		conn := jsonconn.Wrap(netConn)
		log.Printf("controller: worker connected at %s", conn.RemoteAddr)
		wc := workerconn.New(conn, cache, owner)
		wc.Track(registry)
		wc.Start(loop)
	})
	cm.Start(loop)
}

func workerSnapshots(registry *workerconn.Registry) []debugserver.WorkerSnapshot {
	infos := registry.Snapshot()
	out := make([]debugserver.WorkerSnapshot, 0, len(infos))
	for _, info := range infos {
		out = append(out, debugserver.WorkerSnapshot{Name: info.Name, State: info.State})
	}
	return out
}

func jobSnapshots(loop *eventloop.Loop, q *queuer.Queuer) []debugserver.JobSnapshot {
	reply := make(chan []queuer.JobInfo, 1)
	loop.Post(nil, queuer.SnapshotRequest{Reply: reply})
	infos := <-reply
	out := make([]debugserver.JobSnapshot, 0, len(infos))
	for _, info := range infos {
		out = append(out, debugserver.JobSnapshot{
			Basename:       info.Basename,
			Initiators:     info.Initiators,
			AssignedWorker: info.AssignedWorker,
			IsBuilding:     info.IsBuilding,
		})
	}
	return out
}
