// Package sshterminal provides interactive PTY channels over an SSH
// transport.
//
// A [PTY] owns one shell channel. Output from stdout and stderr is merged
// into a single sequence of [OutputFrame] values on [PTY.Frames], numbered
// from 1 with no gaps. The sequence always ends with exactly one frame whose
// End field is set; its Reason tells a clean exit, a signal, remote EOF,
// transport loss and a local close apart.
//
// Input goes through one FIFO queue shared by [PTY.Write] and [PTY.Resize],
// so a window-change never overtakes keystrokes that were queued before it.
// Write blocks until the channel accepts the bytes; Resize returns as soon
// as the request is queued.
//
// [ScrollbackBuffer] keeps a bounded tail of output with absolute offsets
// for history replay to late-attaching viewers.
//
// # Usage
//
//	p, err := sshterminal.Open(ctx, transport, "xterm-256color", 80, 24)
//	if err != nil { ... }
//	defer p.Close()
//	go func() {
//		for f := range p.Frames() {
//			if f.End {
//				log.Printf("shell ended: %s", f.Reason)
//				return
//			}
//			os.Stdout.Write(f.Data)
//		}
//	}()
//	p.Write([]byte("ls -la\r"))
//	p.Resize(120, 40)
//
// # Log Prefixes
//
// PTY channels log at the [pty] prefix.
package sshterminal
