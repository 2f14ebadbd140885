package backend

import (
	"fmt"
	"time"

	"github.com/johnsiilver/portunus/ipc/door/fork"
)

// DefaultSpawnTimeout is how long ForkSpawner waits for a child's door when Timeout is zero.
const DefaultSpawnTimeout = 10 * time.Second

// ForkSpawner spawns backends with fork.WithCreds. The child running Role must send its door's
// descriptor over its channel before doing anything else.
type ForkSpawner struct {
	Role string
	// Timeout bounds how long the child has to send its door. A child that misses it is killed.
	Timeout time.Duration
}

// Spawn implements Spawner.Spawn().
func (s ForkSpawner) Spawn(uid, gid uint32) (Backend, error) {
	p, err := fork.WithCreds(s.Role, uid, gid)
	if err != nil {
		return Backend{}, err
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultSpawnTimeout
	}
	if err := p.Channel.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		p.Kill()
		p.Wait()
		p.Channel.Close()
		return Backend{}, err
	}

	f, err := p.Channel.RecvFD()
	if err == nil {
		err = p.Channel.SetReadDeadline(time.Time{})
		if err != nil {
			f.Close()
		}
	}
	if err != nil {
		p.Kill()
		p.Wait()
		p.Channel.Close()
		return Backend{}, fmt.Errorf("child %d did not send its door: %w", p.Pid, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Wait()
		p.Channel.Close()
	}()

	return Backend{Door: f, Pid: p.Pid, Done: done, Kill: p.Kill}, nil
}
