package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/roost/pkg/slogx"
)

const readChunkSize = 32 << 10

// exitGrace bounds how long a failed write waits for the worker's stdout to
// close before the failure is reported as is.
const exitGrace = 250 * time.Millisecond

var errWorkerGone = errors.New("knowledge worker closed its output")

// worker is one spawned process and the calls outstanding against it.
type worker struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	writes   chan writeRequest
	pending  *pendingTable
	stopping atomic.Bool
	gone     chan struct{}
	goneOnce sync.Once
	done     chan struct{}
}

type writeRequest struct {
	line []byte
	errc chan error
}

// markGone records that the worker can no longer answer. It happens before
// the process is reaped so new calls go to a fresh worker.
func (w *worker) markGone() {
	w.goneOnce.Do(func() { close(w.gone) })
}

func (w *worker) alive() bool {
	select {
	case <-w.gone:
		return false
	default:
		return true
	}
}

// send hands line to the writer and waits for the write to finish. It gives
// up when ctx is done, so a worker that stops reading stdin cannot hold the
// caller past its deadline.
func (w *worker) send(ctx context.Context, line []byte) error {
	req := writeRequest{line: line, errc: make(chan error, 1)}
	select {
	case w.writes <- req:
	case <-w.gone:
		return errWorkerGone
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.errc:
		if err == nil {
			return nil
		}
		// a broken pipe usually means the process is exiting
		grace := time.NewTimer(exitGrace)
		defer grace.Stop()
		select {
		case <-w.gone:
			return errWorkerGone
		case <-grace.C:
			return err
		case <-ctx.Done():
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop owns stdin until the worker's output closes. A write blocked on a
// full pipe only holds up this goroutine; closing stdin releases it.
func (w *worker) writeLoop() {
	for {
		select {
		case req := <-w.writes:
			_, err := w.stdin.Write(req.line)
			req.errc <- err
		case <-w.gone:
			return
		}
	}
}

func (w *worker) pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func (b *Bridge) spawn(ctx context.Context) (*worker, error) {
	args := b.cfg.Args
	if b.cfg.Script != "" {
		args = append([]string{b.cfg.Script}, args...)
	}
	cmd := exec.Command(b.cfg.Command, args...)
	cmd.Dir = b.cfg.Dir
	cmd.Env = append(os.Environ(), b.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start knowledge worker %s: %w", b.cfg.Command, err)
	}

	w := &worker{
		cmd:     cmd,
		stdin:   stdin,
		writes:  make(chan writeRequest),
		pending: newPendingTable(),
		gone:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if b.spawns.Add(1) > 1 {
		b.prom.restarts.Inc()
	}
	b.logger.InfoContext(ctx, "knowledge worker started", slog.Int("pid", w.pid()), slog.String("command", b.cfg.Command))

	go w.writeLoop()
	go b.supervise(w, stdout, stderr)
	return w, nil
}

// supervise drains the worker's output streams, then reaps the process and
// rejects whatever is still pending.
func (b *Bridge) supervise(w *worker, stdout, stderr io.Reader) {
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.forwardStderr(ctx, w, stderr)
	}()
	b.readResponses(ctx, w, stdout)
	w.markGone()
	wg.Wait()

	err := w.cmd.Wait()
	b.exited(ctx, w, exitCode(w.cmd, err))
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (b *Bridge) readResponses(ctx context.Context, w *worker, stdout io.Reader) {
	framer := newLineFramer(b.cfg.MaxLineBytes)
	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			lines, dropped := framer.Feed(buf[:n])
			for range dropped {
				b.diagnose(ctx, newDiagnostic(DiagnosticOversized, nil,
					fmt.Errorf("line exceeds %d bytes", b.cfg.MaxLineBytes)))
			}
			for _, line := range lines {
				b.handleLine(ctx, w, line)
			}
		}
		if err != nil {
			if rest := framer.Rest(); len(rest) > 0 {
				b.diagnose(ctx, newDiagnostic(DiagnosticTruncated, rest, io.ErrUnexpectedEOF))
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				b.logger.WarnContext(ctx, "failed to read worker output", slogx.Error(err))
			}
			return
		}
	}
}

func (b *Bridge) handleLine(ctx context.Context, w *worker, line []byte) {
	resp, err := parseResponse(line)
	if err != nil {
		kind := DiagnosticMalformed
		if errors.Is(err, errMissingID) {
			kind = DiagnosticMissingID
		}
		b.diagnose(ctx, newDiagnostic(kind, line, err))
		return
	}

	call, ok := w.pending.take(resp.id)
	if !ok {
		b.logger.DebugContext(ctx, "ignoring response for unknown call", slogx.CallID(resp.id))
		return
	}
	if resp.failed {
		call.resolve(outcome{err: &RemoteError{Method: call.method, Message: resp.err}})
		return
	}
	call.resolve(outcome{result: resp.result})
}

func (b *Bridge) forwardStderr(ctx context.Context, w *worker, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64<<10), b.cfg.MaxLineBytes)
	for scanner.Scan() {
		b.logger.InfoContext(ctx, "knowledge worker", slog.Int("pid", w.pid()), slog.String("stderr", scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		b.logger.WarnContext(ctx, "failed to read worker stderr", slogx.Error(err))
		// keep draining so the worker never blocks on a full pipe
		_, _ = io.Copy(io.Discard, stderr)
	}
}

func (b *Bridge) exited(ctx context.Context, w *worker, code int) {
	w.markGone()
	b.mu.Lock()
	if b.proc == w {
		b.proc = nil
	}
	b.mu.Unlock()

	var reason error = &ExitError{Code: code}
	if w.stopping.Load() {
		reason = ErrStopped
	}
	calls := w.pending.close(reason)
	for _, c := range calls {
		c.resolve(outcome{err: reason})
	}

	if w.stopping.Load() {
		b.logger.InfoContext(ctx, "knowledge worker stopped", slog.Int("pid", w.pid()), slog.Int("code", code))
	} else {
		b.logger.WarnContext(ctx, "knowledge worker exited", slog.Int("pid", w.pid()), slog.Int("code", code), slog.Int("rejected", len(calls)))
	}
	close(w.done)
}
