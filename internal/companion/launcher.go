// Package companion starts the optional desktop shell that captures the
// screen and feeds frames back over the live channel.
package companion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSettle is how long a freshly started shell must stay alive.
const DefaultSettle = 2 * time.Second

const stderrTail = 4096

var (
	errNPMNotFound   = errors.New("could not find npm, make sure Node.js is installed")
	errNoPackageJSON = errors.New("package.json not found in companion directory")
	errExitedEarly   = errors.New("companion exited during startup")
)

// Launcher runs `npm start` in Dir and keeps track of the child process.
type Launcher struct {
	Dir    string
	Settle time.Duration
	// Candidates are checked before falling back to PATH.
	Candidates []string
	// Command builds the process; tests replace it.
	Command func(ctx context.Context, name string, args ...string) *exec.Cmd

	logger *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewLauncher returns a launcher for the shell located in dir.
func NewLauncher(dir string, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		Dir:        dir,
		Settle:     DefaultSettle,
		Candidates: defaultCandidates(),
		Command:    exec.CommandContext,
		logger:     logger.Named("companion"),
	}
}

func defaultCandidates() []string {
	var out []string
	if appData := os.Getenv("APPDATA"); appData != "" {
		out = append(out, filepath.Join(appData, "npm", "npm.cmd"))
	}
	for _, env := range []string{"PROGRAMFILES", "PROGRAMFILES(X86)"} {
		if dir := os.Getenv(env); dir != "" {
			out = append(out, filepath.Join(dir, "nodejs", "npm.cmd"))
		}
	}
	return out
}

// Launch starts the shell unless one is already running and reports
// whether it is up once the settle window has passed.
func (l *Launcher) Launch(ctx context.Context) bool {
	if err := l.launch(ctx); err != nil {
		l.logger.Error("failed to start companion", zap.String("dir", l.Dir), zap.Error(err))
		return false
	}
	return true
}

func (l *Launcher) launch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running() {
		l.logger.Info("companion already running", zap.Int("pid", l.cmd.Process.Pid))
		return nil
	}

	npm, err := l.findNPM()
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(l.Dir, "package.json")); err != nil {
		return errNoPackageJSON
	}

	// The shell outlives the HTTP request that launched it.
	cmd := l.Command(context.WithoutCancel(ctx), npm, "start")
	cmd.Dir = l.Dir
	tail := &tailWriter{limit: stderrTail}
	cmd.Stderr = tail
	cmd.WaitDelay = time.Second
	ownGroup(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", npm, err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	settle := l.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	select {
	case <-exited:
		return fmt.Errorf("%w: %s", errExitedEarly, strings.TrimSpace(tail.String()))
	case <-time.After(settle):
	case <-ctx.Done():
		_ = killGroup(cmd.Process)
		<-exited
		return ctx.Err()
	}

	l.cmd, l.exited = cmd, exited
	l.logger.Info("companion started", zap.Int("pid", cmd.Process.Pid), zap.String("dir", l.Dir))
	return nil
}

// Running reports whether a launched shell is still alive.
func (l *Launcher) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running()
}

func (l *Launcher) running() bool {
	if l.cmd == nil {
		return false
	}
	select {
	case <-l.exited:
		return false
	default:
		return true
	}
}

// Stop kills a running shell together with the processes it started.
func (l *Launcher) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running() {
		return
	}
	_ = killGroup(l.cmd.Process)
	<-l.exited
}

func (l *Launcher) findNPM() (string, error) {
	for _, candidate := range l.Candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath("npm")
	if err != nil {
		return "", errNPMNotFound
	}
	return path, nil
}

// tailWriter keeps the last limit bytes written to it.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
