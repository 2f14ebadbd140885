// echod is an RFC 862 echo service served through a door: every request is returned unchanged.
// Put portunusd in front of it:
//
//	forward udp 0.0.0.0:7 to /var/run/echo.door
package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/johnsiilver/portunus/ipc/door"
)

var doorPath = pflag.String("door", "/var/run/echo.door", "Where to install the door")

func echo(fds []*os.File, req []byte) ([]*os.File, []byte) {
	for _, f := range fds {
		f.Close()
	}
	return nil, req
}

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	flag.CommandLine.Parse(nil)

	d, err := door.Create(door.ProcedureFunc(echo), door.RefuseDescriptors())
	if err != nil {
		glog.Exit(err)
	}
	srv, err := door.Install(*doorPath, d)
	if err != nil {
		glog.Exit(err)
	}
	glog.Infof("echod is serving on %s", srv.Path())
	srv.Park()
}
