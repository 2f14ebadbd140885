// lsasd hands out doors that list a user's home directory, each served by a process running as
// that user.
//
// Callers of lsasd's door send a user name and receive a door descriptor. The first request for
// a user starts a backend process with that user's uid and gid; later requests share it.
package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/johnsiilver/portunus/backend"
	"github.com/johnsiilver/portunus/ipc/door"
	"github.com/johnsiilver/portunus/ipc/door/fork"
)

const listRole = "ls"

var doorPath = pflag.String("door", "/var/run/lsasd.door", "Where to install lsasd's door")

func init() {
	fork.Register(listRole, func(c fork.Child) {
		if err := serveListing(c.Channel); err != nil {
			glog.Errorf("backend for uid %d: %s", os.Getuid(), err)
			os.Exit(1)
		}
		door.Park()
	})
}

func main() {
	fork.Init()

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	flag.CommandLine.Parse(nil)

	cache := backend.New(backend.ForkSpawner{Role: listRole})
	defer cache.Close()

	d, err := door.Create(su{doors: cache, lookup: lookupUser}, door.RefuseDescriptors())
	if err != nil {
		glog.Exit(err)
	}
	srv, err := door.Install(*doorPath, d)
	if err != nil {
		glog.Exit(err)
	}
	glog.Infof("lsasd is serving on %s", srv.Path())
	srv.Park()
}
