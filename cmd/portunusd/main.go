// portunusd relays network traffic to door servers. Which addresses it listens on and which
// door each one is relayed to is read from a file of forwarding statements (see package plan).
//
// portunusd also installs a control door, used by the portunus command to query and stop it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/hashicorp/go-metrics"
	"github.com/spf13/pflag"

	"github.com/johnsiilver/portunus/ipc/door"
	"github.com/johnsiilver/portunus/plan"
	"github.com/johnsiilver/portunus/relay"
)

var (
	config     = pflag.String("config", "/etc/portunusd.conf", "File holding the forwarding statements")
	doorPath   = pflag.String("door", "/var/run/portunusd.door", "Where to install the control door")
	pidFile    = pflag.String("pid_file", "/var/run/portunusd.pid", "Where to write the daemon's pid, empty for none")
	attendants = pflag.Int("attendants", runtime.NumCPU(), "Number of door attendants")
	background = pflag.Bool("daemon", false, "Detach from the terminal and run in the background")
)

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	flag.CommandLine.Parse(nil)

	if *background && !daemonized() {
		pid, err := daemonize()
		if err != nil {
			glog.Exit(err)
		}
		fmt.Printf("portunusd started with pid %d\n", pid)
		return
	}

	if err := run(); err != nil {
		glog.Exit(err)
	}
}

func run() error {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	// SIGUSR1 dumps the current metrics to stderr.
	metrics.DefaultInmemSignal(inm)
	cfg := metrics.DefaultConfig("portunusd")
	cfg.EnableHostname = false
	if _, err := metrics.NewGlobal(cfg, inm); err != nil {
		return err
	}

	stmts, err := plan.ReadFile(*config)
	if err != nil {
		return err
	}
	if len(stmts) == 0 {
		return fmt.Errorf("%s has no forwarding statements", *config)
	}
	targets, err := plan.Targets(stmts)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.String())
	}

	e, err := relay.New(targets, relay.Attendants(*attendants))
	if err != nil {
		for _, t := range targets {
			t.Close()
		}
		return err
	}
	defer e.Close()

	ctl := newController(names)
	d, err := door.Create(ctl)
	if err != nil {
		return err
	}
	srv, err := door.Install(*doorPath, d)
	if err != nil {
		d.Close()
		return err
	}
	defer srv.Close()

	if *pidFile != "" {
		if err := os.WriteFile(*pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
			return fmt.Errorf("could not write pid file: %w", err)
		}
		defer os.Remove(*pidFile)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		select {
		case <-ctl.stop:
			// Give the stop request's reply a moment to go out.
			time.Sleep(100 * time.Millisecond)
			cancel()
		case <-ctx.Done():
		}
	}()

	glog.Infof("portunusd is up: control door %s, %d targets", *doorPath, len(targets))
	if err := e.Serve(ctx); err != nil && err != context.Canceled {
		return err
	}
	glog.Infof("portunusd is shutting down")
	return nil
}
