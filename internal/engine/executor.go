// Package engine runs external geoprocessing programs.
//
// Commands are executed directly from an argv slice, never through a shell,
// with an explicit environment block: the child sees only the variables the
// caller declares. Each child runs in its own process group so that
// cancellation kills the whole tree (mpiexec ranks, GRASS module children).
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Command is one program invocation.
type Command struct {
	// Path is the program. A bare name is looked up in Env["PATH"], not in the
	// parent's PATH.
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

// Argv returns the program followed by its arguments.
func (c Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Path)
	return append(argv, c.Args...)
}

// String renders the argv for logs and error messages.
func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Result holds the outcome of a finished process.
type Result struct {
	Command  []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner executes commands. Executor is the production implementation; tests
// substitute fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Executor runs commands as child processes.
type Executor struct {
	Logger *zap.Logger
}

// NewExecutor returns an Executor. A nil logger disables logging.
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{Logger: logger}
}

// Run starts cmd and waits for it. A non-zero exit is reported in
// Result.ExitCode with a nil error; the error is non-nil only when the process
// could not be started or ctx was cancelled.
func (e *Executor) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Path == "" {
		return nil, errors.New("engine: empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	program, err := lookPath(cmd.Path, cmd.Env["PATH"])
	if err != nil {
		return nil, err
	}

	c := exec.Command(program, cmd.Args...)
	c.Args[0] = cmd.Path
	c.Dir = cmd.Dir
	c.Env = EnvBlock(cmd.Env)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	select {
	case <-ctx.Done():
		if c.Process != nil {
			if err := unix.Kill(-c.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				e.logger().Warn("kill process group", zap.Int("pid", c.Process.Pid), zap.Error(err))
			}
		}
		<-done
		return nil, fmt.Errorf("%s cancelled: %w", cmd.Path, ctx.Err())
	case err = <-done:
	}

	res := &Result{
		Command:  cmd.Argv(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wait %s: %w", cmd.Path, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// EnvBlock renders env as sorted KEY=VALUE pairs. A nil or empty map yields an
// empty, non-nil block so the child inherits nothing.
func EnvBlock(env map[string]string) []string {
	block := make([]string, 0, len(env))
	for k, v := range env {
		block = append(block, k+"="+v)
	}
	sort.Strings(block)
	return block
}

// lookPath resolves a bare program name against pathList. Names containing a
// separator are used as given.
func lookPath(name, pathList string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		return name, nil
	}
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w in child PATH %q", name, exec.ErrNotFound, pathList)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	mode := info.Mode()
	return mode.IsRegular() && mode&fs.ModePerm&0o111 != 0
}
