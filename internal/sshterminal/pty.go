package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/sshtransport"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// Terminal size bounds. Requests outside 1..Max are rejected.
const (
	MaxCols = 500
	MaxRows = 500
)

const (
	readBufferSize = 32 * 1024
	frameBuffer    = 32
	opQueueSize    = 64
	// transportGrace bounds how long the end-of-stream classifier waits for
	// the transport to report its own loss.
	transportGrace = 250 * time.Millisecond
)

var ErrClosed = errors.New("pty closed")

// EndReason says why an output stream ended.
type EndReason string

const (
	EndEOF       EndReason = "eof"
	EndExit      EndReason = "exit"
	EndSignal    EndReason = "signal"
	EndTransport EndReason = "transport"
	EndClosed    EndReason = "closed"
)

// OutputFrame is one chunk of shell output. Seq starts at 1 and increases by
// one per frame. The last frame on a stream has End set and carries no data.
type OutputFrame struct {
	Seq        uint64
	Data       []byte
	End        bool
	Reason     EndReason
	Err        error
	ExitStatus int
}

// Stream is the remote side of a PTY: the few session capabilities the PTY
// channel relies on.
type Stream interface {
	io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	WindowChange(rows, cols int) error
	// Wait blocks until the remote shell has ended and reports how.
	Wait() error
	Close() error
}

// terminalModes are the tty modes requested for every shell.
var terminalModes = ssh.TerminalModes{
	ssh.ICRNL:         1,
	ssh.IXON:          1,
	ssh.IXANY:         1,
	ssh.IMAXBEL:       1,
	ssh.OPOST:         1,
	ssh.ONLCR:         1,
	ssh.ISIG:          1,
	ssh.ICANON:        1,
	ssh.ECHO:          1,
	ssh.ECHOE:         1,
	ssh.ECHOK:         1,
	ssh.IEXTEN:        1,
	ssh.VINTR:         3,
	ssh.VQUIT:         28,
	ssh.VERASE:        8,
	ssh.VKILL:         21,
	ssh.VEOF:          4,
	ssh.VSTART:        17,
	ssh.VSTOP:         19,
	ssh.VSUSP:         26,
	ssh.VREPRINT:      18,
	ssh.VWERASE:       23,
	ssh.VLNEXT:        22,
	ssh.TTY_OP_ISPEED: 38400,
	ssh.TTY_OP_OSPEED: 38400,
}

// ValidateSize checks terminal dimensions against the bounds.
func ValidateSize(cols, rows int) error {
	if cols < 1 || cols > MaxCols || rows < 1 || rows > MaxRows {
		return fmt.Errorf("terminal size %dx%d out of range (max %dx%d)", cols, rows, MaxCols, MaxRows)
	}
	return nil
}

// sessionStream adapts an ssh.Session with pipes already attached.
type sessionStream struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
}

func (s *sessionStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sessionStream) Stdout() io.Reader { return s.stdout }

func (s *sessionStream) Stderr() io.Reader { return s.stderr }

func (s *sessionStream) WindowChange(rows, cols int) error { return s.session.WindowChange(rows, cols) }

func (s *sessionStream) Wait() error { return s.session.Wait() }

func (s *sessionStream) Close() error { return s.session.Close() }

// Open opens a shell channel on t, requests a PTY of the given type and size
// and starts the login shell. The context bounds the channel setup only.
func Open(ctx context.Context, t *sshtransport.Transport, termType string, cols, rows int) (*PTY, error) {
	if err := ValidateSize(cols, rows); err != nil {
		return nil, errs.Channel("open pty", err)
	}
	if termType == "" {
		termType = "xterm-256color"
	}

	ch, err := t.OpenChannel(sshtransport.ChannelShell)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	stream, err := startShell(ch.Session(), termType, cols, rows)
	if err != nil {
		ch.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, errs.Channel("open pty", err)
	}
	if ctx.Err() != nil {
		ch.Close()
		return nil, errs.Channel("open pty", ctx.Err())
	}

	p := newPTY(stream, cols, rows)
	p.channel = ch
	p.transportEnd = func() (EndReason, error) {
		select {
		case <-t.Done():
		case <-time.After(transportGrace):
			return "", nil
		}
		if t.State() == sshtransport.StateFailed {
			return EndTransport, t.Err()
		}
		return EndClosed, nil
	}
	log.Printf("[pty] opened %s %dx%d on channel %s (%s)", termType, cols, rows, ch.ID(), p.id)
	p.start()
	return p, nil
}

func startShell(session *ssh.Session, termType string, cols, rows int) (*sessionStream, error) {
	if err := session.RequestPty(termType, rows, cols, terminalModes); err != nil {
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &sessionStream{session: session, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type writeResult struct {
	n   int
	err error
}

// op is one entry of the input queue: either bytes to write or a resize.
type op struct {
	data   []byte
	resize bool
	cols   int
	rows   int
	result chan writeResult
}

// PTY is an interactive shell channel. Writes and resizes share one FIFO so
// a resize is never sent ahead of keystrokes written before it.
type PTY struct {
	id      string
	stream  Stream
	channel *sshtransport.Channel

	// transportEnd reports whether the stream ended because its transport
	// went away. Nil for streams without a transport.
	transportEnd func() (EndReason, error)

	ops     chan op
	frames  chan OutputFrame
	emitMu  sync.Mutex
	seq     uint64
	closing chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	cols      int
	rows      int
	closeOnce sync.Once
}

// New wraps an already started stream. Open is the usual constructor; New
// serves callers that bring their own Stream.
func New(stream Stream, cols, rows int) (*PTY, error) {
	if err := ValidateSize(cols, rows); err != nil {
		return nil, errs.Channel("open pty", err)
	}
	p := newPTY(stream, cols, rows)
	p.start()
	return p, nil
}

func newPTY(stream Stream, cols, rows int) *PTY {
	return &PTY{
		id:      uuid.New().String(),
		stream:  stream,
		ops:     make(chan op, opQueueSize),
		frames:  make(chan OutputFrame, frameBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		cols:    cols,
		rows:    rows,
	}
}

func (p *PTY) start() {
	go p.writeLoop()
	go p.readLoop()
}

func (p *PTY) ID() string { return p.id }

// Channel returns the underlying transport channel, or nil.
func (p *PTY) Channel() *sshtransport.Channel { return p.channel }

// Size returns the most recently requested dimensions.
func (p *PTY) Size() (cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Frames delivers output in order. It yields exactly one End frame and is
// then closed. Consumers must drain it.
func (p *PTY) Frames() <-chan OutputFrame { return p.frames }

// Done is closed once the End frame has been queued.
func (p *PTY) Done() <-chan struct{} { return p.done }

func (p *PTY) stopped() bool {
	select {
	case <-p.closing:
		return true
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *PTY) enqueue(o op) error {
	if p.stopped() {
		return errs.Channel("pty write", ErrClosed)
	}
	select {
	case p.ops <- o:
		return nil
	case <-p.closing:
		return errs.Channel("pty write", ErrClosed)
	case <-p.done:
		return errs.Channel("pty write", ErrClosed)
	}
}

// Write queues b behind earlier writes and resizes and blocks until the
// channel has accepted it.
func (p *PTY) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	res := make(chan writeResult, 1)
	if err := p.enqueue(op{data: append([]byte(nil), b...), result: res}); err != nil {
		return 0, err
	}
	select {
	case r := <-res:
		if r.err != nil {
			return r.n, errs.Channel("pty write", r.err)
		}
		return r.n, nil
	case <-p.closing:
		return 0, errs.Channel("pty write", ErrClosed)
	case <-p.done:
		return 0, errs.Channel("pty write", ErrClosed)
	}
}

// Resize queues a window-change and returns without waiting for it to be
// sent.
func (p *PTY) Resize(cols, rows int) error {
	if err := ValidateSize(cols, rows); err != nil {
		return errs.Channel("pty resize", err)
	}
	if err := p.enqueue(op{resize: true, cols: cols, rows: rows}); err != nil {
		return err
	}
	p.mu.Lock()
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	return nil
}

func (p *PTY) writeLoop() {
	for {
		select {
		case <-p.closing:
			return
		case <-p.done:
			return
		case o := <-p.ops:
			if o.resize {
				if err := p.stream.WindowChange(o.rows, o.cols); err != nil {
					log.Printf("[pty] window-change %dx%d failed (%s): %v", o.cols, o.rows, p.id, err)
				}
				continue
			}
			n, err := p.stream.Write(o.data)
			o.result <- writeResult{n: n, err: err}
		}
	}
}

// emit hands a data frame to the consumer. Frames produced after Close are
// dropped without consuming a sequence number.
func (p *PTY) emit(data []byte) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	f := OutputFrame{Seq: p.seq + 1, Data: data}
	select {
	case p.frames <- f:
		p.seq++
	case <-p.closing:
	}
}

func (p *PTY) pump(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.emit(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

func (p *PTY) readLoop() {
	var wg sync.WaitGroup
	wg.Add(2)
	go p.pump(p.stream.Stdout(), &wg)
	go p.pump(p.stream.Stderr(), &wg)

	waited := make(chan error, 1)
	go func() {
		wg.Wait()
		waited <- p.stream.Wait()
	}()

	// Close must not wait for a remote that has stopped answering.
	var end OutputFrame
	select {
	case err := <-waited:
		end = p.classify(err)
	case <-p.closing:
		end = OutputFrame{End: true, Reason: EndClosed}
	}

	p.emitMu.Lock()
	end.Seq = p.seq + 1
	p.seq++
	p.frames <- end
	close(p.frames)
	p.emitMu.Unlock()

	close(p.done)
	log.Printf("[pty] output ended (%s): %s", p.id, end.Reason)
}

func (p *PTY) classify(waitErr error) OutputFrame {
	end := OutputFrame{End: true}
	select {
	case <-p.closing:
		end.Reason = EndClosed
		return end
	default:
	}

	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
		end.Reason = EndExit
		return end
	case errors.As(waitErr, &exitErr):
		end.ExitStatus = exitErr.ExitStatus()
		end.Err = waitErr
		end.Reason = EndExit
		if exitErr.Signal() != "" {
			end.Reason = EndSignal
		}
		return end
	}

	if p.transportEnd != nil {
		if reason, err := p.transportEnd(); reason != "" {
			end.Reason = reason
			end.Err = err
			return end
		}
	}
	end.Reason = EndEOF
	var missing *ssh.ExitMissingError
	if !errors.As(waitErr, &missing) && !errors.Is(waitErr, io.EOF) {
		end.Err = waitErr
	}
	return end
}

// Close closes the shell channel. In-flight reads and writes return promptly
// and the frame stream ends with reason EndClosed. Idempotent.
func (p *PTY) Close() error {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.stream.Close()
		if p.channel != nil {
			p.channel.Close()
		}
		log.Printf("[pty] closed (%s)", p.id)
	})
	return nil
}
