// Package termlog writes a session's terminal output to disk.
//
// Line formats (plain, JSON lines, XML) receive output with escape
// sequences and control characters removed, one entry per line. The
// asciicast v2 format keeps the raw output with timing so it can be
// replayed. A file that would grow beyond MaxBytes is rotated to
// "<path>.1", replacing any previous rotation.
//
// A Logger is an io.Writer and is attached as an output tap of the
// terminal bridge. All log lines use the "[termlog]" prefix.
package termlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/chardonnay/korTTY/internal/logutil"
	"github.com/chardonnay/korTTY/internal/profile"
)

const (
	DefaultMaxBytes = 10 << 20
	timestampLayout = "2006-01-02 15:04:05.000"
)

var ErrClosed = errors.New("terminal log closed")

// Options configures a Logger.
type Options struct {
	Path       string
	Format     profile.LogFormat
	MaxBytes   int64
	Connection string
	// Cols and Rows go into the asciicast header.
	Cols, Rows int
}

// Logger is a rotating terminal log file. Safe for concurrent use.
type Logger struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	size    int64
	partial []byte
	start   time.Time
	closed  bool
}

// Extension returns the file extension used for a format.
func Extension(f profile.LogFormat) string {
	switch f {
	case profile.LogJSON:
		return "jsonl"
	case profile.LogXML:
		return "xml"
	case profile.LogAsciicast:
		return "cast"
	default:
		return "txt"
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// PathFor returns the default log path for a profile under dir.
func PathFor(dir string, p *profile.Profile) string {
	name := strings.Trim(unsafeName.ReplaceAllString(p.DisplayName(), "_"), "_")
	if name == "" {
		name = "session"
	}
	return filepath.Join(dir, name+"."+Extension(p.Log.Format))
}

// Open creates or continues the log at opts.Path. Line formats append to an
// existing file; document formats (XML, asciicast) rotate it first so each
// file holds one well-formed document.
func Open(opts Options) (*Logger, error) {
	if opts.Path == "" {
		return nil, errors.New("terminal log path is empty")
	}
	if opts.Format == "" {
		opts.Format = profile.LogPlain
	}
	switch opts.Format {
	case profile.LogPlain, profile.LogJSON, profile.LogXML, profile.LogAsciicast:
	default:
		return nil, fmt.Errorf("unknown terminal log format %q", opts.Format)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &Logger{opts: opts, now: time.Now}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	log.Printf("[termlog] logging %s to %s (%s)", logutil.SanitizeForLog(opts.Connection), opts.Path, opts.Format)
	return l, nil
}

func (l *Logger) document() bool {
	return l.opts.Format == profile.LogXML || l.opts.Format == profile.LogAsciicast
}

// openFile opens the current path, rotating first when it is full or holds
// a finished document.
func (l *Logger) openFile() error {
	if info, err := os.Stat(l.opts.Path); err == nil && info.Size() > 0 {
		if l.document() || info.Size() >= l.opts.MaxBytes {
			if err := os.Rename(l.opts.Path, l.opts.Path+".1"); err != nil {
				return fmt.Errorf("rotate terminal log: %w", err)
			}
		}
	}

	f, err := os.OpenFile(l.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open terminal log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat terminal log: %w", err)
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	l.size = info.Size()
	l.start = l.now()
	if l.size == 0 {
		return l.writeHeader()
	}
	return nil
}

func (l *Logger) writeHeader() error {
	switch l.opts.Format {
	case profile.LogXML:
		var name bytes.Buffer
		xml.EscapeText(&name, []byte(l.opts.Connection))
		return l.put(xml.Header + `<terminal-log connection="` + name.String() + "\">\n")
	case profile.LogAsciicast:
		header, err := json.Marshal(struct {
			Version   int    `json:"version"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
			Timestamp int64  `json:"timestamp"`
			Title     string `json:"title,omitempty"`
		}{2, l.opts.Cols, l.opts.Rows, l.start.Unix(), l.opts.Connection})
		if err != nil {
			return err
		}
		return l.put(string(header) + "\n")
	}
	return nil
}

func (l *Logger) writeFooter() error {
	if l.opts.Format == profile.LogXML {
		return l.put("</terminal-log>\n")
	}
	return nil
}

func (l *Logger) put(s string) error {
	n, err := l.w.WriteString(s)
	l.size += int64(n)
	return err
}

// Write logs a chunk of terminal output.
func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	if l.opts.Format == profile.LogAsciicast {
		if err := l.writeEntry(castEvent(l.now().Sub(l.start), p)); err != nil {
			return 0, err
		}
		return len(p), l.w.Flush()
	}

	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		line := Clean(l.partial[:i])
		l.partial = l.partial[i+1:]
		if err := l.writeEntry(l.formatLine(line)); err != nil {
			return 0, err
		}
	}
	return len(p), l.w.Flush()
}

// writeEntry rotates when entry would push the file past MaxBytes.
func (l *Logger) writeEntry(entry string) error {
	if l.size > 0 && l.size+int64(len(entry)) > l.opts.MaxBytes {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	return l.put(entry)
}

func (l *Logger) rotate() error {
	log.Printf("[termlog] rotating %s at %d bytes", l.opts.Path, l.size)
	if err := l.closeFile(); err != nil {
		return err
	}
	if err := os.Rename(l.opts.Path, l.opts.Path+".1"); err != nil {
		return fmt.Errorf("rotate terminal log: %w", err)
	}
	return l.openFile()
}

func (l *Logger) closeFile() error {
	err := l.writeFooter()
	if ferr := l.w.Flush(); err == nil {
		err = ferr
	}
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (l *Logger) formatLine(line string) string {
	ts := l.now().Format(timestampLayout)
	switch l.opts.Format {
	case profile.LogJSON:
		b, _ := json.Marshal(struct {
			Timestamp  string `json:"timestamp"`
			Connection string `json:"connection"`
			Line       string `json:"line"`
		}{ts, l.opts.Connection, line})
		return string(b) + "\n"
	case profile.LogXML:
		var text bytes.Buffer
		xml.EscapeText(&text, []byte(line))
		return `  <entry timestamp="` + ts + `">` + text.String() + "</entry>\n"
	default:
		return "[" + ts + "] " + line + "\n"
	}
}

func castEvent(elapsed time.Duration, p []byte) string {
	b, _ := json.Marshal([]any{elapsed.Seconds(), "o", string(p)})
	return string(b) + "\n"
}

// Clean removes escape sequences, carriage returns and other control
// characters except tab.
func Clean(p []byte) string {
	s := ansi.Strip(string(p))
	return strings.Map(func(r rune) rune {
		if r == '\t' || (r >= 0x20 && r != 0x7f && !(r >= 0x80 && r < 0xa0)) {
			return r
		}
		return -1
	}, s)
}

// Close writes any unterminated last line and the document footer.
// Idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	if len(l.partial) > 0 && l.opts.Format != profile.LogAsciicast {
		if line := Clean(l.partial); line != "" {
			err = l.writeEntry(l.formatLine(line))
		}
		l.partial = nil
	}
	if cerr := l.closeFile(); err == nil {
		err = cerr
	}
	return err
}
