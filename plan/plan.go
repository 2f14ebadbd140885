/*
Package plan reads forwarding statements, which tell portunusd what to listen on and which door
to relay that traffic to.

A plan is a list of statements, one per line:

	# Relay web traffic to the hello application.
	forward tcp 0.0.0.0:80 to /var/run/hello.door
	forward udp [::1]:7 to /var/run/echo.door

	# The protocol defaults to tcp, and the port may be given separately.
	forward 0.0.0.0 port 8080 to /var/run/hello.door

Blank lines and lines starting with # are ignored.
*/
package plan

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/johnsiilver/portunus/ipc/door"
	"github.com/johnsiilver/portunus/relay"
)

// Statement is a single forwarding statement.
type Statement struct {
	// Line is the line number the statement was read from, starting at 1.
	Line int
	// Protocol is the traffic being forwarded.
	Protocol relay.Protocol
	// Addr is the host:port to listen on.
	Addr string
	// Door is the path of the door the traffic is relayed to.
	Door string
}

// String implements fmt.Stringer. The output can be parsed by Parse().
func (s Statement) String() string {
	return fmt.Sprintf("forward %s %s to %s", s.Protocol, s.Addr, s.Door)
}

// Target opens the statement's door and starts listening on its address.
func (s Statement) Target() (*relay.Target, error) {
	c, err := door.NewClient(s.Door)
	if err != nil {
		return nil, fmt.Errorf("plan: %s: %w", s, err)
	}
	t, err := relay.NewTarget(s.Protocol, s.Addr, c)
	if err != nil {
		return nil, fmt.Errorf("plan: %s: %w", s, err)
	}
	return t, nil
}

// Targets calls Target() for every statement. If any of them fails, the targets already
// created are closed.
func Targets(stmts []Statement) ([]*relay.Target, error) {
	var targets []*relay.Target
	for _, s := range stmts {
		t, err := s.Target()
		if err != nil {
			for _, t := range targets {
				t.Close()
			}
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Error is returned when a statement cannot be parsed.
type Error struct {
	Line int
	Text string
	Msg  string
}

func (e *Error) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("plan: %s: %q", e.Msg, e.Text)
	}
	return fmt.Sprintf("plan: line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// Parse parses a single statement.
func Parse(text string) (Statement, error) {
	return parse(0, text)
}

func parse(line int, text string) (Statement, error) {
	bad := func(format string, a ...interface{}) error {
		return &Error{Line: line, Text: text, Msg: fmt.Sprintf(format, a...)}
	}

	words := strings.Fields(text)
	if len(words) == 0 || words[0] != "forward" {
		return Statement{}, bad("statements start with 'forward'")
	}
	words = words[1:]

	s := Statement{Line: line, Protocol: relay.Stream}
	if len(words) > 0 {
		switch words[0] {
		case "tcp":
			words = words[1:]
		case "udp":
			s.Protocol = relay.Datagram
			words = words[1:]
		case "tls":
			return Statement{}, bad("tls is not supported")
		}
	}

	if len(words) == 0 {
		return Statement{}, bad("missing address")
	}
	addr := words[0]
	words = words[1:]
	if len(words) > 0 && words[0] == "port" {
		if len(words) < 2 {
			return Statement{}, bad("missing port")
		}
		addr = net.JoinHostPort(addr, words[1])
		words = words[2:]
	}
	a, err := checkAddr(addr)
	if err != nil {
		return Statement{}, bad("%s", err)
	}
	s.Addr = a

	if len(words) == 0 || words[0] != "to" {
		return Statement{}, bad("expected 'to' after the address")
	}
	words = words[1:]
	switch len(words) {
	case 0:
		return Statement{}, bad("missing door path")
	case 1:
	default:
		return Statement{}, bad("unexpected text after the door path")
	}
	s.Door = words[0]
	return s, nil
}

// checkAddr makes sure addr is a literal ip:port and returns it in canonical form.
func checkAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("%q is not an IP address", host)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", fmt.Errorf("invalid port %q", port)
	}
	return net.JoinHostPort(ip.String(), strconv.FormatUint(p, 10)), nil
}

// Read reads every statement from r. It stops at the first statement that does not parse.
func Read(r io.Reader) ([]Statement, error) {
	var stmts []Statement

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		s, err := parse(line, text)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return stmts, nil
}

// ReadFile reads every statement in the file at path.
func ReadFile(path string) ([]Statement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	defer f.Close()

	return Read(f)
}
