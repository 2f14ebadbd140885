/*
Package fork starts a child process under a different user and group and keeps a private,
descriptor-passing channel to it. The parent gets a Parent, the child a Child: there are no
other states.

Go cannot fork without exec, so the child is a fresh copy of the running executable that runs a
role registered with Register. The kernel switches the child to the requested gid and uid before
it executes anything. If that fails the child never runs and WithCreds returns a *ForkError.

Every program that uses this package must call Init first thing in main (or TestMain):

	func init() {
		fork.Register("ls", func(c fork.Child) {
			d, err := door.Create(listing)
			if err != nil {
				os.Exit(1)
			}
			f, _ := d.Descriptor()
			c.Channel.SendFD(f)
			door.Park()
		})
	}

	func main() {
		fork.Init()
		...
		p, err := fork.WithCreds("ls", 1000, 1000)
		if err != nil {
			// Do something
		}
		f, err := p.Channel.RecvFD()
	}
*/
package fork

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/prep/socketpair"
)

const (
	envRole = "PORTUNUS_FORK_ROLE"
	envUID  = "PORTUNUS_FORK_UID"
	envGID  = "PORTUNUS_FORK_GID"

	// childFD is the descriptor the channel is given in the child (the first of ExtraFiles).
	childFD = 3
)

// Exit codes of a child that could not run its role.
const (
	exitSetup    = 120
	exitPrivs    = 121
	exitReturned = 122
)

// ChildFunc is the body of a child process. It must not return: it ends by parking, serving,
// or exiting the process. If it does return, the child exits with a non-zero status.
type ChildFunc func(c Child)

var (
	mu    sync.Mutex
	roles = map[string]ChildFunc{}
)

// Register makes f available as a child role called name. It is meant to be called from an
// init() function and panics if name is already registered.
func Register(name string, f ChildFunc) {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := roles[name]; ok {
		panic(fmt.Sprintf("fork: role %q registered twice", name))
	}
	roles[name] = f
}

func role(name string) (ChildFunc, bool) {
	mu.Lock()
	defer mu.Unlock()

	f, ok := roles[name]
	return f, ok
}

// Init runs the registered role when the process was started by WithCreds, and never returns in
// that case. Otherwise it returns immediately.
func Init() {
	name := os.Getenv(envRole)
	if name == "" {
		return
	}
	runChild(name)
}

// Child is what a child process gets.
type Child struct {
	// Channel is connected to the parent's Parent.Channel.
	Channel *Endpoint
}

// Parent is what the parent process gets.
type Parent struct {
	// Pid is the child's process id.
	Pid int
	// Channel is connected to the child's Child.Channel.
	Channel *Endpoint

	cmd *exec.Cmd
}

// Wait waits for the child to exit and releases its resources.
func (p *Parent) Wait() error {
	return p.cmd.Wait()
}

// Kill kills the child.
func (p *Parent) Kill() error {
	return p.cmd.Process.Kill()
}

// WithCreds starts a child running the role registered as name under uid and gid. The effective
// ids of the calling process are not changed.
func WithCreds(name string, uid, gid uint32) (*Parent, error) {
	if _, ok := role(name); !ok {
		return nil, &ForkError{Kind: ForkOther, Err: fmt.Errorf("no role registered as %q", name)}
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, &ForkError{Kind: ForkOther, Err: err}
	}

	pconn, cconn, err := socketpair.New("unix")
	if err != nil {
		return nil, pipeOpenErrorf(err)
	}
	parent, err := newEndpoint(pconn)
	if err != nil {
		cconn.Close()
		return nil, &PipeOpenError{Kind: PipeEFAULT, Err: err}
	}
	uc, ok := cconn.(*net.UnixConn)
	if !ok {
		cconn.Close()
		parent.Close()
		return nil, &PipeOpenError{Kind: PipeEFAULT, Err: fmt.Errorf("fork channel is a %T", cconn)}
	}
	cf, err := uc.File()
	uc.Close()
	if err != nil {
		parent.Close()
		return nil, pipeOpenErrorf(err)
	}
	defer cf.Close()

	cmd := exec.Command(exe)
	cmd.Env = append(
		os.Environ(),
		envRole+"="+name,
		envUID+"="+strconv.FormatUint(uint64(uid), 10),
		envGID+"="+strconv.FormatUint(uint64(gid), 10),
	)
	cmd.ExtraFiles = []*os.File{cf}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr(uid, gid)

	if err := cmd.Start(); err != nil {
		parent.Close()
		return nil, forkErrorf(err)
	}
	glog.V(1).Infof("fork: started role %q as pid %d (uid %d, gid %d)", name, cmd.Process.Pid, uid, gid)

	return &Parent{Pid: cmd.Process.Pid, Channel: parent, cmd: cmd}, nil
}

func runChild(name string) {
	uid, uerr := strconv.ParseUint(os.Getenv(envUID), 10, 32)
	gid, gerr := strconv.ParseUint(os.Getenv(envGID), 10, 32)
	os.Unsetenv(envRole)
	os.Unsetenv(envUID)
	os.Unsetenv(envGID)

	if uerr != nil || gerr != nil {
		fatalf(exitSetup, "fork: child %q started without credentials", name)
	}

	// No partial privilege is tolerated: the kernel already switched ids, this verifies it.
	if os.Getgid() != int(gid) || os.Getegid() != int(gid) || os.Getuid() != int(uid) || os.Geteuid() != int(uid) {
		fatalf(exitPrivs, "fork: child %q is running as uid %d/%d gid %d/%d, wanted uid %d gid %d", name, os.Getuid(), os.Geteuid(), os.Getgid(), os.Getegid(), uid, gid)
	}

	f, ok := role(name)
	if !ok {
		fatalf(exitSetup, "fork: no role registered as %q", name)
	}

	conn, err := net.FileConn(os.NewFile(childFD, "fork-channel"))
	if err != nil {
		fatalf(exitSetup, "fork: child %q could not open its channel: %s", name, err)
	}
	ep, err := newEndpoint(conn)
	if err != nil {
		fatalf(exitSetup, "fork: child %q: %s", name, err)
	}

	f(Child{Channel: ep})
	fatalf(exitReturned, "fork: role %q returned", name)
}

func fatalf(code int, format string, args ...interface{}) {
	glog.Errorf(format, args...)
	glog.Flush()
	os.Exit(code)
}
