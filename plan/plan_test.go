package plan

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kr/pretty"

	"github.com/johnsiilver/portunus/relay"
)

func TestParse(t *testing.T) {
	tests := []struct {
		desc string
		text string
		want Statement
		err  bool
	}{
		{
			desc: "Protocol defaults to tcp",
			text: "forward 0.0.0.0:80 to /var/run/hello_web.portunusd",
			want: Statement{Protocol: relay.Stream, Addr: "0.0.0.0:80", Door: "/var/run/hello_web.portunusd"},
		},
		{
			desc: "Explicit udp",
			text: "forward udp 127.0.0.1:7 to /var/run/echo.door",
			want: Statement{Protocol: relay.Datagram, Addr: "127.0.0.1:7", Door: "/var/run/echo.door"},
		},
		{
			desc: "IPv6",
			text: "forward tcp [2001:db8::1]:8080 to /door/path",
			want: Statement{Protocol: relay.Stream, Addr: "[2001:db8::1]:8080", Door: "/door/path"},
		},
		{
			desc: "Separate port",
			text: "forward 0.0.0.0 port 8080 to /var/run/hello_web_door",
			want: Statement{Protocol: relay.Stream, Addr: "0.0.0.0:8080", Door: "/var/run/hello_web_door"},
		},
		{
			desc: "Separate port with IPv6",
			text: "forward udp :: port 53 to /var/run/dns.door",
			want: Statement{Protocol: relay.Datagram, Addr: "[::]:53", Door: "/var/run/dns.door"},
		},
		{
			desc: "Extra whitespace",
			text: "  forward\ttcp   0.0.0.0:80   to\t/d  ",
			want: Statement{Protocol: relay.Stream, Addr: "0.0.0.0:80", Door: "/d"},
		},
		{
			desc: "Typo in keyword",
			text: "foward 0.0.0.0:80 to /var/run/hello_web.portunusd",
			err:  true,
		},
		{
			desc: "Missing door path",
			text: "forward 0.0.0.0:80 to",
			err:  true,
		},
		{
			desc: "Missing to",
			text: "forward 0.0.0.0:80 /door",
			err:  true,
		},
		{
			desc: "Missing address",
			text: "forward tcp",
			err:  true,
		},
		{
			desc: "Host name instead of an address",
			text: "forward localhost:80 to /door",
			err:  true,
		},
		{
			desc: "Port out of range",
			text: "forward 0.0.0.0:70000 to /door",
			err:  true,
		},
		{
			desc: "Missing port",
			text: "forward 0.0.0.0 port",
			err:  true,
		},
		{
			desc: "tls is not supported",
			text: "forward tls 0.0.0.0:443 to /door",
			err:  true,
		},
		{
			desc: "Trailing text",
			text: "forward 0.0.0.0:80 to /door /other",
			err:  true,
		},
	}

	for _, test := range tests {
		got, err := Parse(test.text)
		switch {
		case err == nil && test.err:
			t.Errorf("TestParse(%s): got err == nil, want err != nil", test.desc)
			continue
		case err != nil && !test.err:
			t.Errorf("TestParse(%s): got err == %s, want err == nil", test.desc, err)
			continue
		case err != nil:
			continue
		}

		if diff := pretty.Diff(test.want, got); len(diff) != 0 {
			t.Errorf("TestParse(%s): -want/+got:\n%s", test.desc, strings.Join(diff, "\n"))
		}
	}
}

func TestStringParses(t *testing.T) {
	want := Statement{Protocol: relay.Datagram, Addr: "[::1]:7", Door: "/var/run/echo.door"}

	got, err := Parse(want.String())
	if err != nil {
		t.Fatalf("TestStringParses: Parse(%q): %s", want.String(), err)
	}
	if diff := pretty.Diff(want, got); len(diff) != 0 {
		t.Errorf("TestStringParses: -want/+got:\n%s", strings.Join(diff, "\n"))
	}
}

const conf = `
# Web.
forward tcp 0.0.0.0:80 to /var/run/hello.door

   # Echo.
forward udp [::1]:7 to /var/run/echo.door
`

func TestRead(t *testing.T) {
	got, err := Read(strings.NewReader(conf))
	if err != nil {
		t.Fatalf("TestRead: %s", err)
	}

	want := []Statement{
		{Line: 3, Protocol: relay.Stream, Addr: "0.0.0.0:80", Door: "/var/run/hello.door"},
		{Line: 6, Protocol: relay.Datagram, Addr: "[::1]:7", Door: "/var/run/echo.door"},
	}
	if diff := pretty.Diff(want, got); len(diff) != 0 {
		t.Errorf("TestRead: -want/+got:\n%s", strings.Join(diff, "\n"))
	}
}

func TestReadError(t *testing.T) {
	_, err := Read(strings.NewReader("# ok\nforward 0.0.0.0:80 to /a\nforward nowhere to /b\n"))
	if err == nil {
		t.Fatalf("TestReadError: got err == nil, want err != nil")
	}

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("TestReadError: got %T, want *Error", err)
	}
	if perr.Line != 3 {
		t.Errorf("TestReadError: got line %d, want 3", perr.Line)
	}
}

func TestReadFile(t *testing.T) {
	p := filepath.Join(os.TempDir(), uuid.New().String()+".conf")
	if err := os.WriteFile(p, []byte(conf), 0600); err != nil {
		panic(err)
	}
	defer os.Remove(p)

	got, err := ReadFile(p)
	if err != nil {
		t.Fatalf("TestReadFile: %s", err)
	}
	if len(got) != 2 {
		t.Errorf("TestReadFile: got %d statements, want 2", len(got))
	}

	if _, err := ReadFile(p + ".missing"); err == nil {
		t.Errorf("TestReadFile(missing file): got err == nil, want err != nil")
	}
}
