// portunus controls a running portunusd through its control door.
//
//	portunus status   Shows whether portunusd is running
//	portunus start    Starts portunusd if it is not already running
//	portunus stop     Stops portunusd if it is running
//	portunus version  Prints the version of portunus
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/jpillora/backoff"
	"github.com/shirou/gopsutil/process"
	"github.com/spf13/pflag"

	"github.com/johnsiilver/portunus/filewatcher"
	"github.com/johnsiilver/portunus/ipc/door"
)

const version = "0.1.0"

var (
	doorPath  = pflag.String("door", "/var/run/portunusd.door", "Path of portunusd's control door")
	portunusd = pflag.String("portunusd", "/usr/sbin/portunusd", "The portunusd binary to start")
	config    = pflag.String("config", "", "Forwarding statements passed to portunusd on start, empty for its default")
	pidFile   = pflag.String("pid_file", "/var/run/portunusd.pid", "portunusd's pid file")
	timeout   = pflag.Duration("timeout", 10*time.Second, "How long start waits for portunusd to come up")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: portunus [flags] status|start|stop|version\n")
	pflag.PrintDefaults()
}

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Usage = usage
	pflag.Parse()
	flag.CommandLine.Parse(nil)

	if pflag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	var err error
	switch pflag.Arg(0) {
	case "status":
		err = status()
	case "start":
		err = start()
	case "stop":
		err = stop()
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ping calls the control door with an empty request and returns the daemon's status line.
func ping() (string, error) {
	c, err := door.NewClient(*doorPath)
	if err != nil {
		return "", err
	}
	defer c.Close()

	_, resp, err := c.Call(nil, nil)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

func status() error {
	resp, err := ping()
	if err != nil {
		fmt.Printf("portunusd is down: %s\n", err)
		return nil
	}
	fmt.Printf("portunusd is up: %s\n", resp)

	info, err := processInfo()
	if err != nil {
		glog.V(1).Infof("no process details: %s", err)
		return nil
	}
	fmt.Println(info)
	return nil
}

// processInfo describes the process named in the pid file.
func processInfo() (string, error) {
	b, err := os.ReadFile(*pidFile)
	if err != nil {
		return "", err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return "", fmt.Errorf("bad pid file %s: %w", *pidFile, err)
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	name, err := p.Name()
	if err != nil {
		return "", err
	}
	created, err := p.CreateTime()
	if err != nil {
		return "", err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"process %d (%s), started %s, rss %d KiB",
		pid,
		name,
		time.Unix(0, created*int64(time.Millisecond)).Format(time.RFC3339),
		mem.RSS/1024,
	), nil
}

func start() error {
	if _, err := ping(); err == nil {
		fmt.Println("portunusd is already running")
		return nil
	}

	args := []string{"--door", *doorPath, "--pid_file", *pidFile, "--daemon"}
	if *config != "" {
		args = append(args, "--config", *config)
	}
	out, err := exec.Command(*portunusd, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to start portunusd: %s: %s", err, out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := filewatcher.Appear(ctx, *doorPath); err != nil {
		return fmt.Errorf("portunusd did not install its control door: %w", err)
	}

	// The path can show up before the daemon answers, or be left over from a daemon that died.
	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		_, err := ping()
		if err == nil {
			fmt.Println("Started the portunusd server")
			return nil
		}
		d := b.Duration()
		glog.V(1).Infof("portunusd not answering yet (%s), retrying in %s", err, d)
		select {
		case <-ctx.Done():
			return fmt.Errorf("portunusd did not answer on %s: %w", *doorPath, err)
		case <-time.After(d):
		}
	}
}

func stop() error {
	c, err := door.NewClient(*doorPath)
	if err != nil {
		var oerr *door.OpenError
		if errors.As(err, &oerr) && oerr.Kind == door.NotFound {
			fmt.Println("portunusd is not running")
			return nil
		}
		return err
	}
	defer c.Close()

	if _, _, err := c.Call(nil, []byte{'E'}); err != nil {
		var cerr *door.CallError
		if errors.As(err, &cerr) && cerr.Kind == door.NoSuchDoor {
			fmt.Println("portunusd is not running")
			return nil
		}
		return err
	}
	fmt.Println("Stopped the portunusd server")
	return nil
}
