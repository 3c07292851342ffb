package fingerprint

import (
	"context"
	"os/exec"
	"time"
)

// Hardware holds raw attribute values as read from the host. Any field may
// be empty or a firmware placeholder.
type Hardware struct {
	SystemUUID            string
	SystemSerial          string
	BaseboardManufacturer string
	BaseboardModel        string
	BaseboardSerial       string
	BIOSSerial            string
	CPUSerial             string
	DiskSerials           []string // primary disk first
	OSSerial              string
}

// Reader reads hardware attributes. Read never fails: attributes that
// cannot be read are left empty.
type Reader interface {
	Read(ctx context.Context) Hardware
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context) Hardware

func (f ReaderFunc) Read(ctx context.Context) Hardware { return f(ctx) }

// Runner runs an external command and returns its stdout.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

const commandTimeout = 10 * time.Second

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).Output()
}

// ExecRunner runs commands on the host.
var ExecRunner Runner = execRunner{}
