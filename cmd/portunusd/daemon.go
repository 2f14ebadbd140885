package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// envDaemonized is set on the copy of portunusd started by daemonize.
const envDaemonized = "PORTUNUSD_DAEMONIZED"

// daemonize starts a copy of this process in a new session, detached from the terminal, and
// returns its pid.
func daemonize() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer null.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDaemonized+"=1")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = null, null, null
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("could not start the daemon: %w", err)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()
	return pid, nil
}

func daemonized() bool {
	return os.Getenv(envDaemonized) != ""
}
