// Package termbridge couples a PTY channel to a terminal interpreter.
//
// Output frames are released strictly by sequence number and cut at unit
// boundaries so the interpreter never sees half an escape sequence or half a
// UTF-8 character. Input events are queued without blocking the caller and
// written by a single goroutine in submission order.
package termbridge

import (
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/sshterminal"
)

var ErrInputClosed = errors.New("input closed")

// Interpreter is the terminal-state machine that consumes shell output.
type Interpreter interface {
	Feed(p []byte)
}

// Resumable is implemented by interpreters that carry parser state across
// Feed calls and can take frames split anywhere.
type Resumable interface {
	Resumable() bool
}

// Channel is the part of a PTY channel the bridge drives.
type Channel interface {
	Frames() <-chan sshterminal.OutputFrame
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
}

// Options configures a Bridge. Callbacks run on bridge goroutines and must
// not block for long.
type Options struct {
	SessionID string
	// Interpreter may be nil, in which case output only reaches taps.
	Interpreter Interpreter
	// OnEnd receives the end marker after the pending tail has been flushed.
	OnEnd func(end sshterminal.OutputFrame)
	// OnInputError is called once when writing input fails. The error is a
	// channel error.
	OnInputError func(d InputDiscarded, err error)
}

// Stats is a point-in-time view of bridge counters.
type Stats struct {
	Frames      uint64 `json:"frames"`
	BytesOut    uint64 `json:"bytes_out"`
	Duplicates  uint64 `json:"duplicates"`
	PendingTail int    `json:"pending_tail"`
	HeldFrames  int    `json:"held_frames"`
	QueuedInput int    `json:"queued_input"`
	InputEvents uint64 `json:"input_events"`
	BytesIn     uint64 `json:"bytes_in"`
}

// Bridge relays one PTY channel.
type Bridge struct {
	opts      Options
	ch        Channel
	modes     *Modes
	resumable bool

	outMu   sync.Mutex
	order   *reorderBuffer
	asm     *Assembler
	taps    map[int]io.Writer
	nextTap int
	ended   bool

	// Output counters are read without outMu, which is held while taps
	// and the interpreter write.
	frames  atomic.Uint64
	bytes   atomic.Uint64
	dups    atomic.Uint64
	pending atomic.Int64
	held    atomic.Int64

	inMu        sync.Mutex
	queue       []InputEvent
	inClosed    bool
	inputEvents uint64
	inputBytes  uint64
	wake        chan struct{}

	done      chan struct{}
	inputDone chan struct{}
}

// New creates a bridge and starts its input writer. Output is accepted via
// Deliver; Attach additionally pumps ch.Frames.
func New(ch Channel, opts Options) *Bridge {
	b := &Bridge{
		opts:      opts,
		ch:        ch,
		modes:     &Modes{},
		order:     newReorderBuffer(),
		taps:      make(map[int]io.Writer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		inputDone: make(chan struct{}),
	}
	b.asm = NewAssembler(b.modes)
	if r, ok := opts.Interpreter.(Resumable); ok && r.Resumable() {
		b.resumable = true
	}
	go b.inputLoop()
	return b
}

// Attach creates a bridge and feeds it every frame ch produces.
func Attach(ch Channel, opts Options) *Bridge {
	b := New(ch, opts)
	go func() {
		for f := range ch.Frames() {
			b.Deliver(f)
		}
	}()
	return b
}

// Modes exposes the tracked private modes.
func (b *Bridge) Modes() *Modes { return b.modes }

// Done is closed after the end marker has been processed.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// AddTap registers w to receive exactly the bytes handed to the
// interpreter. If history is non-nil its result is written to w first,
// atomically with registration, so w sees no gap and no repeat. The
// returned func removes the tap. A tap whose Write fails is removed.
func (b *Bridge) AddTap(w io.Writer, history func() []byte) (remove func()) {
	b.outMu.Lock()
	if history != nil {
		if h := history(); len(h) > 0 {
			w.Write(h)
		}
	}
	id := b.nextTap
	b.nextTap++
	b.taps[id] = w
	b.outMu.Unlock()

	return func() {
		b.outMu.Lock()
		delete(b.taps, id)
		b.outMu.Unlock()
	}
}

// Deliver accepts a frame in any order. Frames reach the interpreter by
// sequence number; duplicates are dropped.
func (b *Bridge) Deliver(f sshterminal.OutputFrame) {
	b.outMu.Lock()
	if b.ended {
		b.outMu.Unlock()
		return
	}
	ready, dup := b.order.push(f)
	b.held.Store(int64(b.order.waiting()))
	if dup {
		b.dups.Add(1)
		b.outMu.Unlock()
		log.Printf("[bridge] protocol error: duplicate frame %d for session %s", f.Seq, b.opts.SessionID)
		return
	}

	var end *sshterminal.OutputFrame
	for i := range ready {
		fr := ready[i]
		if fr.End {
			tail := b.asm.Flush()
			b.pending.Store(0)
			if len(tail) > 0 && !b.resumable {
				b.feed(tail)
			}
			b.ended = true
			end = &fr
			break
		}
		b.frames.Add(1)
		if b.resumable {
			// The assembler still runs so mode changes split across
			// frames are seen.
			b.asm.Push(fr.Data)
			b.pending.Store(int64(b.asm.Pending()))
			b.feed(fr.Data)
			continue
		}
		out := b.asm.Push(fr.Data)
		b.pending.Store(int64(b.asm.Pending()))
		if len(out) > 0 {
			b.feed(out)
		}
	}
	b.outMu.Unlock()

	if end != nil {
		b.finish(*end)
	}
}

// feed hands complete output to the interpreter and taps. Caller holds outMu.
func (b *Bridge) feed(p []byte) {
	b.bytes.Add(uint64(len(p)))
	if b.opts.Interpreter != nil {
		b.opts.Interpreter.Feed(p)
	}
	for id, w := range b.taps {
		if _, err := w.Write(p); err != nil {
			log.Printf("[bridge] dropping output tap for session %s: %v", b.opts.SessionID, err)
			delete(b.taps, id)
		}
	}
}

func (b *Bridge) finish(end sshterminal.OutputFrame) {
	b.closeInput("output ended")
	close(b.done)
	log.Printf("[bridge] session %s output ended: %s", b.opts.SessionID, end.Reason)
	if b.opts.OnEnd != nil {
		b.opts.OnEnd(end)
	}
}

// Submit queues an input event. It never blocks on the network.
func (b *Bridge) Submit(ev InputEvent) error {
	if err := ev.Validate(); err != nil {
		return errs.Protocol("submit input", err)
	}
	if ev.Kind == InputResize {
		if err := sshterminal.ValidateSize(ev.Cols, ev.Rows); err != nil {
			return errs.Channel("submit input", err)
		}
	}

	b.inMu.Lock()
	if b.inClosed {
		b.inMu.Unlock()
		return errs.Channel("submit input", ErrInputClosed)
	}
	b.queue = append(b.queue, ev)
	b.inMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bridge) nextInput() (InputEvent, bool) {
	for {
		b.inMu.Lock()
		if b.inClosed {
			b.inMu.Unlock()
			return InputEvent{}, false
		}
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue[0] = InputEvent{}
			b.queue = b.queue[1:]
			b.inMu.Unlock()
			return ev, true
		}
		b.inMu.Unlock()
		<-b.wake
	}
}

func (b *Bridge) inputLoop() {
	defer close(b.inputDone)
	for {
		ev, ok := b.nextInput()
		if !ok {
			return
		}
		n, err := b.send(ev)
		if err != nil {
			b.failInput(ev, err)
			return
		}
		b.inMu.Lock()
		b.inputEvents++
		b.inputBytes += uint64(n)
		b.inMu.Unlock()
	}
}

func (b *Bridge) send(ev InputEvent) (int, error) {
	if ev.Kind == InputResize {
		return 0, b.ch.Resize(ev.Cols, ev.Rows)
	}
	data := ev.Encode(b.modes)
	if len(data) == 0 {
		return 0, nil
	}
	return b.ch.Write(data)
}

// failInput drops the failed event and everything queued behind it.
func (b *Bridge) failInput(failed InputEvent, err error) {
	b.inMu.Lock()
	d := InputDiscarded{Events: 1 + len(b.queue), Bytes: len(failed.Encode(b.modes))}
	for _, ev := range b.queue {
		d.Bytes += len(ev.Encode(b.modes))
	}
	b.queue = nil
	b.inClosed = true
	b.inMu.Unlock()

	if errs.KindOf(err) != errs.KindChannel {
		err = errs.Channel("write input", err)
	}
	log.Printf("[bridge] input write failed for session %s, discarded %d events (%d bytes): %v",
		b.opts.SessionID, d.Events, d.Bytes, err)
	if b.opts.OnInputError != nil {
		b.opts.OnInputError(d, err)
	}
}

func (b *Bridge) closeInput(why string) {
	b.inMu.Lock()
	if b.inClosed {
		b.inMu.Unlock()
		return
	}
	dropped := len(b.queue)
	b.queue = nil
	b.inClosed = true
	b.inMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	if dropped > 0 {
		log.Printf("[bridge] %s for session %s, dropped %d queued input events", why, b.opts.SessionID, dropped)
	}
}

// Close stops accepting input. Output keeps flowing until the channel ends.
// Idempotent.
func (b *Bridge) Close() {
	b.closeInput("bridge closed")
}

// Stats returns current counters. It does not wait for output in flight.
func (b *Bridge) Stats() Stats {
	s := Stats{
		Frames:      b.frames.Load(),
		BytesOut:    b.bytes.Load(),
		Duplicates:  b.dups.Load(),
		PendingTail: int(b.pending.Load()),
		HeldFrames:  int(b.held.Load()),
	}

	b.inMu.Lock()
	s.QueuedInput = len(b.queue)
	s.InputEvents = b.inputEvents
	s.BytesIn = b.inputBytes
	b.inMu.Unlock()
	return s
}
