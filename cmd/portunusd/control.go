package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang/glog"
)

// stopRequest is the one-byte request that asks portunusd to exit.
const stopRequest = 'E'

// controller answers calls on the control door. An empty request returns the daemon's status,
// a stopRequest closes stop.
type controller struct {
	started time.Time
	targets []string

	stopOnce sync.Once
	stop     chan struct{}
}

func newController(targets []string) *controller {
	return &controller{started: time.Now(), targets: targets, stop: make(chan struct{})}
}

// Serve implements door.Procedure.Serve().
func (c *controller) Serve(fds []*os.File, req []byte) ([]*os.File, []byte) {
	for _, f := range fds {
		f.Close()
	}

	switch {
	case len(req) == 0:
		return nil, []byte(c.status())
	case len(req) == 1 && req[0] == stopRequest:
		c.stopOnce.Do(func() {
			glog.Infof("stop requested through the control door")
			close(c.stop)
		})
		return nil, []byte("stopping")
	}
	return nil, []byte(fmt.Sprintf("unknown request %q", req))
}

func (c *controller) status() string {
	return fmt.Sprintf(
		"pid %d, up %s, relaying %d targets: %v",
		os.Getpid(),
		time.Since(c.started).Round(time.Second),
		len(c.targets),
		c.targets,
	)
}
