// Package pollexec implements rwpollexec: watch a directory for new
// files, run a configured command against each one with bounded
// concurrency, and hand the result off to an archive.Filer.
package pollexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/flowkit/flowkit/internal/archive"
	"github.com/flowkit/flowkit/internal/metrics"
	"github.com/flowkit/flowkit/internal/rlimit"
)

// EscalationStep is one ordered (signal, delay) pair: if the command
// hasn't exited Delay after the previous step's signal (after it started,
// for the first step), Signal is sent.
type EscalationStep struct {
	Signal syscall.Signal
	Delay  time.Duration
}

// Config configures a Poller.
type Config struct {
	WatchDir       string
	PollInterval   time.Duration // period of the directory rescan that runs alongside the fsnotify watch
	MaxWorkers     int
	Command        string   // argv[0] (or a shell line, see needsShell); the matched file path is appended as the final arg
	CommandArgs    []string // extra args inserted before the file path
	CommandTimeout time.Duration    // single-step shorthand: SIGKILL after this long, used only if Escalation is empty
	Escalation     []EscalationStep // ordered signal-timed escalation (spec.md 4.8); overrides CommandTimeout
	ErrorDir       string           // files whose command exits non-zero move here instead of Archiver

	Archiver *archive.Filer
	Logger   *logrus.Logger
	Monitor  *rlimit.Monitor // optional; proactively sheds worker slots under pressure
}

// slot is one of MaxWorkers concurrent command executions.
type slot struct{}

// Poller watches Config.WatchDir, dispatching each newly-appeared file to
// the configured command with up to MaxWorkers running concurrently.
type Poller struct {
	cfg Config

	freeSlots chan slot
	wg        sync.WaitGroup

	mu           sync.Mutex
	permanentCut int // slots permanently removed after fork failures

	dispatched map[string]struct{}
	dispatchMu sync.Mutex
}

// New builds a Poller. Call Run to start watching.
func New(cfg Config) *Poller {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	if len(cfg.Escalation) == 0 {
		cfg.Escalation = []EscalationStep{{Signal: syscall.SIGKILL, Delay: cfg.CommandTimeout}}
	}
	p := &Poller{
		cfg:        cfg,
		freeSlots:  make(chan slot, cfg.MaxWorkers),
		dispatched: make(map[string]struct{}),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		p.freeSlots <- slot{}
	}
	return p
}

// Run watches the directory until ctx is cancelled, then waits for every
// in-flight command to finish (or be killed by its own timeout) before
// returning. The shell-probe self-test (spec.md 4.8, 9) runs once up
// front: if the configured command can't even be located, Run fails fast
// instead of silently polling forever.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.selfTest(); err != nil {
		return fmt.Errorf("pollexec: self-test: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("pollexec: fsnotify: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(p.cfg.WatchDir); err != nil {
		return fmt.Errorf("pollexec: watch %s: %w", p.cfg.WatchDir, err)
	}

	if p.cfg.Monitor != nil {
		go p.cfg.Monitor.Watch(ctx, p.cfg.PollInterval, func(rlimit.Snapshot) {
			p.ReduceCapacity()
			if p.cfg.Logger != nil {
				p.cfg.Logger.Warn("pollexec: resource pressure detected, shedding a worker slot")
			}
		})
	}

	p.scanExisting()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				p.wg.Wait()
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				p.dispatch(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				p.wg.Wait()
				return nil
			}
			if p.cfg.Logger != nil {
				p.cfg.Logger.WithError(err).Warn("pollexec: watcher error")
			}
		case <-ticker.C:
			p.scanExisting()
		}
	}
}

// selfTest confirms that the configured command (its first word, for a
// shell line) can be located via exec.LookPath before committing to the
// watch loop; it does not run the command. Overridable via
// FLOWKIT_POLLEXEC_SKIP_SELFTEST for
// environments (tests, containers without the real command installed)
// where the probe itself isn't meaningful.
func (p *Poller) selfTest() error {
	if os.Getenv("FLOWKIT_POLLEXEC_SKIP_SELFTEST") != "" {
		return nil
	}
	if _, err := exec.LookPath(firstWord(p.cfg.Command)); err != nil {
		return fmt.Errorf("command %q not found: %w", p.cfg.Command, err)
	}
	return nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

func (p *Poller) scanExisting() {
	entries, err := os.ReadDir(p.cfg.WatchDir)
	if err != nil {
		if p.cfg.Logger != nil {
			p.cfg.Logger.WithError(err).Warn("pollexec: scan directory")
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p.dispatch(context.Background(), filepath.Join(p.cfg.WatchDir, e.Name()))
	}
}

// dispatch claims path for processing exactly once, waits for a free
// worker slot, and runs the command in a goroutine.
func (p *Poller) dispatch(ctx context.Context, path string) {
	p.dispatchMu.Lock()
	if _, already := p.dispatched[path]; already {
		p.dispatchMu.Unlock()
		return
	}
	p.dispatched[path] = struct{}{}
	p.dispatchMu.Unlock()

	metrics.PollExecQueueDepth.Inc()
	select {
	case <-p.freeSlots:
	case <-ctx.Done():
		metrics.PollExecQueueDepth.Dec()
		return
	}
	metrics.PollExecQueueDepth.Dec()

	metrics.PollExecActiveWorkers.Inc()
	p.wg.Add(1)
	go p.process(ctx, path)
}

func (p *Poller) process(ctx context.Context, path string) {
	defer p.wg.Done()
	defer p.releaseSlot()
	defer metrics.PollExecActiveWorkers.Dec()

	if _, err := os.Stat(path); err != nil {
		return // file vanished between dispatch and claim
	}

	cmd := p.buildCmd(path)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		if isForkFailure(err) {
			metrics.PollExecForkFailures.Inc()
			p.ReduceCapacity()
			p.requeue(path)
			return // file never actually ran; leave it for a later poll, don't error-dispose it
		}
		p.onFailure(path, output.Bytes(), err)
		return
	}

	waitDone := make(chan struct{})
	go p.runEscalation(ctx, cmd.Process, waitDone, p.cfg.Escalation)
	err := cmd.Wait()
	close(waitDone)

	if err != nil {
		p.onFailure(path, output.Bytes(), err)
		return
	}
	p.onSuccess(ctx, path)
}

// runEscalation walks steps in order, signalling proc if it's still
// running once each step's delay has elapsed since the previous step's
// signal (since the command started, for the first step).
// waitDone closing (the command has exited) stops the walk immediately,
// so a child that exits on an earlier signal never receives a later one
// (escalation cancellation, spec.md 8). Outer context cancellation
// (rwpollexec shutting down) collapses all remaining delays to zero,
// escalating through the configured steps as fast as the process allows.
// signaler is the subset of *os.Process runEscalation needs; satisfied by
// *os.Process itself, and stubbed out in tests to observe which signals
// would have been sent without actually spawning a process per step.
type signaler interface {
	Signal(sig os.Signal) error
}

func (p *Poller) runEscalation(ctx context.Context, proc signaler, waitDone <-chan struct{}, steps []EscalationStep) {
	for _, step := range steps {
		timer := time.NewTimer(step.Delay)
		select {
		case <-waitDone:
			timer.Stop()
			return
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		select {
		case <-waitDone:
			return
		default:
		}
		proc.Signal(step.Signal)
	}
}

// requeue clears path's dispatched marker so the next directory scan
// picks it up again, used after a fork failure where the file itself was
// never actually processed.
func (p *Poller) requeue(path string) {
	p.dispatchMu.Lock()
	delete(p.dispatched, path)
	p.dispatchMu.Unlock()
}

func (p *Poller) onSuccess(ctx context.Context, path string) {
	metrics.PollExecFilesProcessed.WithLabelValues("success").Inc()
	if p.cfg.Archiver == nil {
		os.Remove(path)
		return
	}
	if err := p.cfg.Archiver.Archive(ctx, path, time.Now()); err != nil && p.cfg.Logger != nil {
		p.cfg.Logger.WithError(err).WithField("path", path).Warn("pollexec: archive failed")
	}
}

func (p *Poller) onFailure(path string, output []byte, err error) {
	metrics.PollExecFilesProcessed.WithLabelValues("failure").Inc()
	if p.cfg.Logger != nil {
		p.cfg.Logger.WithError(err).WithFields(logrus.Fields{
			"path":   path,
			"output": string(output),
		}).Warn("pollexec: command failed")
	}
	if p.cfg.ErrorDir == "" {
		return
	}
	dest := filepath.Join(p.cfg.ErrorDir, filepath.Base(path))
	os.MkdirAll(p.cfg.ErrorDir, 0o755)
	os.Rename(path, dest)
}

// releaseSlot returns this worker's slot to the free pool, unless the
// pool has permanently shed slots after a fork failure (ReduceCapacity).
func (p *Poller) releaseSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permanentCut > 0 {
		p.permanentCut--
		return
	}
	p.freeSlots <- slot{}
}

// ReduceCapacity permanently removes one worker slot, called after a
// fork failure (process table exhaustion) so the poller degrades instead
// of spinning on retrying forks it can't service. The in-flight worker
// that hit the failure still must release its slot normally; this just
// marks the next release as the one to absorb.
func (p *Poller) ReduceCapacity() {
	p.mu.Lock()
	p.permanentCut++
	p.mu.Unlock()
}
