// lsas asks lsasd for a user's listing door and prints what it returns.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/user"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/johnsiilver/portunus/ipc/door"
)

var (
	doorPath = pflag.String("door", "/var/run/lsasd.door", "Path of lsasd's door")
	userName = pflag.String("user", "", "User whose home directory is listed, defaults to the current user")
)

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	flag.CommandLine.Parse(nil)

	name := *userName
	if name == "" {
		u, err := user.Current()
		if err != nil {
			glog.Exit(err)
		}
		name = u.Username
	}

	if err := run(name); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(name string) error {
	c, err := door.NewClient(*doorPath)
	if err != nil {
		return err
	}
	defer c.Close()

	fds, resp, err := c.Call(nil, []byte(name))
	if err != nil {
		return err
	}
	if len(fds) == 0 {
		return fmt.Errorf("lsasd: %s", resp)
	}
	for _, f := range fds[1:] {
		f.Close()
	}

	ls, err := door.FromFile(fds[0])
	if err != nil {
		return err
	}
	defer ls.Close()

	_, listing, err := ls.Call(nil, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Contents of %s's home directory:\n%s\n", name, listing)
	return nil
}
