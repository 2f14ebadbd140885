/*
Package backend keeps one backend process per user identity and hands out descriptors for the
doors they serve.

The first request for a uid spawns that uid's backend; later requests reuse it for as long as
it lives. When a backend exits its entry is dropped and the next request spawns a new one.

	c := backend.New(backend.ForkSpawner{Role: "ls"})
	defer c.Close()

	f, err := c.Door(uid, gid)
	if err != nil {
		// Do something
	}
	// f can be returned from a door procedure, or wrapped with door.FromFile.
*/
package backend

import (
	"fmt"
	"os"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// Backend is a running backend process.
type Backend struct {
	// Door is a descriptor for the backend's door. It belongs to the Cache once returned by Spawn.
	Door *os.File
	// Pid is the backend's process id.
	Pid int
	// Done is closed when the backend has exited.
	Done <-chan struct{}
	// Kill stops the backend. It may be nil.
	Kill func() error
}

// Spawner starts backends.
type Spawner interface {
	// Spawn starts a backend running as uid and gid.
	Spawn(uid, gid uint32) (Backend, error)
}

// entry is a backend for one uid. ready is closed once the spawn finished; b and err are only
// read after that.
type entry struct {
	ready chan struct{}
	b     Backend
	err   error
}

// Cache maps uids to live backends. It is safe for concurrent use.
type Cache struct {
	spawner Spawner

	mu      sync.RWMutex
	entries map[uint32]*entry
	closed  bool
}

// New is the constructor for Cache.
func New(s Spawner) *Cache {
	return &Cache{spawner: s, entries: map[uint32]*entry{}}
}

// Door returns a new descriptor for the door of uid's backend, spawning the backend if none is
// running. Concurrent first requests for the same uid spawn a single backend, and a slow spawn
// only holds up requests for that uid. The caller owns the returned file.
func (c *Cache) Door(uid, gid uint32) (*os.File, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("backend: cache is closed")
	}
	e, ok := c.entries[uid]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		c.entries[uid] = e
	}
	c.mu.Unlock()

	if !ok {
		c.spawn(uid, gid, e)
	}
	<-e.ready
	if e.err != nil {
		return nil, e.err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	// The backend may have exited while we waited.
	if c.entries[uid] != e {
		return nil, fmt.Errorf("backend: backend for uid %d has exited", uid)
	}
	glog.V(2).Infof("backend: handing out pid %d for uid %d", e.b.Pid, uid)
	return dup(e.b.Door)
}

// spawn starts uid's backend and publishes the result in e.
func (c *Cache) spawn(uid, gid uint32, e *entry) {
	defer close(e.ready)

	b, err := c.spawner.Spawn(uid, gid)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.entries[uid] == e {
			delete(c.entries, uid)
		}
		e.err = fmt.Errorf("backend: could not spawn backend for uid %d: %w", uid, err)
		return
	}
	if c.closed {
		if b.Kill != nil {
			b.Kill()
		}
		b.Door.Close()
		e.err = fmt.Errorf("backend: cache is closed")
		return
	}

	e.b = b
	glog.Infof("backend: spawned pid %d for uid %d", b.Pid, uid)
	if b.Done != nil {
		go c.evict(uid, e)
	}
}

// evict drops e once its backend exits.
func (c *Cache) evict(uid uint32, e *entry) {
	<-e.b.Done

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries[uid] != e {
		return
	}
	delete(c.entries, uid)
	e.b.Door.Close()
	glog.Infof("backend: pid %d for uid %d exited", e.b.Pid, uid)
}

// Len returns the number of backends that are running or being spawned.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Close kills every backend and closes the cached descriptors. Descriptors already handed out
// are not affected. Backends still being spawned are killed as soon as they are up.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for uid, e := range c.entries {
		delete(c.entries, uid)
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.b.Kill != nil {
			if err := e.b.Kill(); err != nil {
				glog.Warningf("backend: could not kill pid %d for uid %d: %s", e.b.Pid, uid, err)
			}
		}
		e.b.Door.Close()
	}
	return nil
}

// dup returns a close-on-exec duplicate of f.
func dup(f *os.File) (*os.File, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}

	nfd := -1
	var dupErr error
	err = rc.Control(func(fd uintptr) {
		nfd, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, fmt.Errorf("backend: could not duplicate door descriptor: %w", dupErr)
	}
	return os.NewFile(uintptr(nfd), f.Name()), nil
}
