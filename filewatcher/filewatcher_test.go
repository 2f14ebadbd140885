package filewatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAppear(t *testing.T) {
	dir, err := os.MkdirTemp("", "filewatcher")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	tests := []struct {
		desc    string
		create  func(p string)
		timeout time.Duration
		err     bool
	}{
		{
			desc:    "Already exists",
			create:  func(p string) { mustWrite(p) },
			timeout: time.Second,
		},
		{
			desc: "Created later",
			create: func(p string) {
				go func() {
					time.Sleep(100 * time.Millisecond)
					mustWrite(p)
				}()
			},
			timeout: 10 * time.Second,
		},
		{
			desc: "Renamed into place",
			create: func(p string) {
				go func() {
					time.Sleep(100 * time.Millisecond)
					tmp := p + ".tmp"
					mustWrite(tmp)
					if err := os.Rename(tmp, p); err != nil {
						panic(err)
					}
				}()
			},
			timeout: 10 * time.Second,
		},
		{
			desc:    "Never appears",
			create:  func(p string) {},
			timeout: 100 * time.Millisecond,
			err:     true,
		},
	}

	for _, test := range tests {
		p := filepath.Join(dir, uuid.New().String())
		test.create(p)

		ctx, cancel := context.WithTimeout(context.Background(), test.timeout)
		err := Appear(ctx, p)
		cancel()

		switch {
		case err == nil && test.err:
			t.Errorf("TestAppear(%s): got err == nil, want err != nil", test.desc)
		case err != nil && !test.err:
			t.Errorf("TestAppear(%s): got err == %s, want err == nil", test.desc, err)
		}
	}
}

func TestAppearNoDirectory(t *testing.T) {
	p := filepath.Join(os.TempDir(), uuid.New().String(), "file")
	if err := Appear(context.Background(), p); err == nil {
		t.Errorf("TestAppearNoDirectory: got err == nil, want err != nil")
	}
}

func mustWrite(p string) {
	if err := os.WriteFile(p, []byte("hello"), 0600); err != nil {
		panic(err)
	}
}
