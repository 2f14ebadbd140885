// hellod is a small web application served through a door. Put portunusd in front of it:
//
//	forward tcp 0.0.0.0:80 to /var/run/hello_web.door
package main

import (
	"flag"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/johnsiilver/portunus/ipc/door"
)

var doorPath = pflag.String("door", "/var/run/hello_web.door", "Where to install the door")

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	flag.CommandLine.Parse(nil)

	d, err := door.Create(door.ProcedureFunc(hello))
	if err != nil {
		glog.Exit(err)
	}
	srv, err := door.Install(*doorPath, d)
	if err != nil {
		glog.Exit(err)
	}
	glog.Infof("hellod is serving on %s", srv.Path())
	srv.Park()
}
