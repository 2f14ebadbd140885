package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
)

// readTimeout bounds how long a relayed connection may take to send its request.
const readTimeout = 5 * time.Second

// hello greets its callers. A relayed TCP connection gets an HTTP response written to it
// directly; a plain request gets a greeting as the reply.
func hello(fds []*os.File, req []byte) ([]*os.File, []byte) {
	if len(fds) == 0 {
		return nil, greet(req)
	}
	for _, f := range fds[1:] {
		f.Close()
	}

	conn, err := net.FileConn(fds[0])
	fds[0].Close()
	if err != nil {
		glog.Errorf("descriptor is not a connection: %s", err)
		return nil, nil
	}
	defer conn.Close()

	if err := respond(conn); err != nil {
		glog.Errorf("%s: %s", conn.RemoteAddr(), err)
	}
	return nil, nil
}

func greet(name []byte) []byte {
	if !utf8.Valid(name) {
		return []byte("I couldn't understand your name!")
	}
	return []byte(fmt.Sprintf("Hello, %s!", name))
}

func respond(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(readTimeout))

	r, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	name := strings.Trim(r.URL.Path, "/")
	if name == "" {
		name = "world"
	}
	body := greet([]byte(name))

	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    1,
		ProtoMinor:    0,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		Close:         true,
	}
	return resp.Write(conn)
}
