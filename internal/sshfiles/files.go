package sshfiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"

	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/logutil"
	"github.com/chardonnay/korTTY/internal/sshtransport"
)

const chunkSize = 32 * 1024

var ErrNotDirectory = errors.New("not a directory")

// Progress is called after every chunk with the bytes transferred so far
// and the total size (-1 when unknown).
type Progress func(transferred, total int64)

// TransferOption adjusts a single upload or download.
type TransferOption func(*transferOptions)

type transferOptions struct {
	progress Progress
}

// WithProgress reports progress through fn.
func WithProgress(fn Progress) TransferOption {
	return func(o *transferOptions) { o.progress = fn }
}

// Entry is one directory entry.
type Entry struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"` // "file" | "dir" | "symlink"
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	Perm       string    `json:"perm"`
	UID        uint32    `json:"uid"`
	GID        uint32    `json:"gid"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Client is an SFTP session on one transport channel.
type Client struct {
	ch   *sshtransport.Channel
	sftp *sftp.Client

	mu  sync.Mutex
	cwd string
}

// OpenTransfer opens the sftp channel on t.
func OpenTransfer(t *sshtransport.Transport) (*Client, error) {
	ch, err := t.OpenChannel(sshtransport.ChannelSFTP)
	if err != nil {
		return nil, err
	}

	session := ch.Session()
	stdin, err := session.StdinPipe()
	if err != nil {
		ch.Close()
		return nil, errs.Channel("open sftp channel", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		ch.Close()
		return nil, errs.Channel("open sftp channel", err)
	}
	if err := session.RequestSubsystem("sftp"); err != nil {
		ch.Close()
		return nil, errs.Channel("request sftp subsystem", err)
	}
	client, err := sftp.NewClientPipe(stdout, stdin)
	if err != nil {
		ch.Close()
		return nil, errs.Channel("start sftp client", err)
	}

	c := &Client{ch: ch, sftp: client, cwd: "."}
	if wd, err := client.Getwd(); err == nil {
		c.cwd = wd
	}
	log.Printf("[sftp] opened channel %s on transport %s (cwd %s)", ch.ID(), t.ID(), logutil.SanitizeForLog(c.cwd))
	return c, nil
}

// Close closes the sftp channel only.
func (c *Client) Close() error {
	err := c.sftp.Close()
	c.ch.Close()
	log.Printf("[sftp] closed channel %s", c.ch.ID())
	return err
}

// ChannelID identifies the underlying transport channel.
func (c *Client) ChannelID() string {
	return c.ch.ID()
}

func (c *Client) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return path.Join(c.cwd, p)
}

// Upload copies localPath to remotePath, creating or truncating it.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, opts ...TransferOption) (int64, error) {
	const op = "upload"
	remote := c.resolve(remotePath)

	src, err := os.Open(localPath)
	if err != nil {
		return 0, errs.Transfer(op, fmt.Errorf("open %s: %w", localPath, err))
	}
	defer src.Close()
	total := int64(-1)
	if info, err := src.Stat(); err == nil {
		total = info.Size()
	}

	dst, err := c.sftp.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, errs.Transfer(op, fmt.Errorf("create %s: %w", remote, err))
	}

	n, err := copyChunks(ctx, dst, src, total, opts)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", remote, cerr)
	}
	if err != nil {
		log.Printf("[sftp] upload to %s stopped after %d bytes: %v", logutil.SanitizeForLog(remote), n, err)
		return n, errs.Transfer(op, err)
	}
	log.Printf("[sftp] uploaded %d bytes to %s", n, logutil.SanitizeForLog(remote))
	return n, nil
}

// Download copies remotePath to localPath, creating or truncating it. A
// partial local file is left in place on failure.
func (c *Client) Download(ctx context.Context, remotePath, localPath string, opts ...TransferOption) (int64, error) {
	const op = "download"
	remote := c.resolve(remotePath)

	src, err := c.sftp.Open(remote)
	if err != nil {
		return 0, errs.Transfer(op, fmt.Errorf("open %s: %w", remote, err))
	}
	defer src.Close()
	total := int64(-1)
	if info, err := src.Stat(); err == nil {
		if info.IsDir() {
			return 0, errs.Transfer(op, fmt.Errorf("%s is a directory", remote))
		}
		total = info.Size()
	}

	dst, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, errs.Transfer(op, fmt.Errorf("create %s: %w", localPath, err))
	}

	n, err := copyChunks(ctx, dst, src, total, opts)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", localPath, cerr)
	}
	if err != nil {
		log.Printf("[sftp] download of %s stopped after %d bytes: %v", logutil.SanitizeForLog(remote), n, err)
		return n, errs.Transfer(op, err)
	}
	log.Printf("[sftp] downloaded %d bytes from %s", n, logutil.SanitizeForLog(remote))
	return n, nil
}

// copyChunks copies src to dst, checking ctx between chunks.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, total int64, opts []TransferOption) (int64, error) {
	var o transferOptions
	for _, opt := range opts {
		opt(&o)
	}

	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			if o.progress != nil {
				o.progress(written, total)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func toEntry(fi os.FileInfo) Entry {
	e := Entry{
		Name:       fi.Name(),
		Type:       "file",
		Size:       fi.Size(),
		Mode:       fi.Mode().String(),
		Perm:       fmt.Sprintf("%04o", uint32(fi.Mode().Perm())),
		ModifiedAt: fi.ModTime().UTC(),
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		e.Type = "symlink"
	case fi.IsDir():
		e.Type = "dir"
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		e.UID, e.GID = st.UID, st.GID
	}
	return e
}

// List returns the entries of a directory, directories first, then by name.
func (c *Client) List(dir string) ([]Entry, error) {
	p := c.resolve(dir)
	infos, err := c.sftp.ReadDir(p)
	if err != nil {
		return nil, errs.Transfer("list", fmt.Errorf("readdir %s: %w", p, err))
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		if lfi, err := c.sftp.Lstat(path.Join(p, fi.Name())); err == nil {
			fi = lfi
		}
		entries = append(entries, toEntry(fi))
	}
	sort.Slice(entries, func(i, j int) bool {
		if (entries[i].Type == "dir") != (entries[j].Type == "dir") {
			return entries[i].Type == "dir"
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Stat returns the attributes of a file or directory.
func (c *Client) Stat(name string) (Entry, error) {
	p := c.resolve(name)
	fi, err := c.sftp.Stat(p)
	if err != nil {
		return Entry{}, errs.Transfer("stat", fmt.Errorf("stat %s: %w", p, err))
	}
	return toEntry(fi), nil
}

// Mkdir creates a directory and any missing parents.
func (c *Client) Mkdir(dir string) error {
	p := c.resolve(dir)
	if err := c.sftp.MkdirAll(p); err != nil {
		return errs.Transfer("mkdir", fmt.Errorf("mkdir %s: %w", p, err))
	}
	return nil
}

// Remove deletes a file, symlink or empty directory.
func (c *Client) Remove(name string) error {
	p := c.resolve(name)
	fi, err := c.sftp.Lstat(p)
	if err != nil {
		return errs.Transfer("remove", fmt.Errorf("stat %s: %w", p, err))
	}
	if fi.IsDir() {
		err = c.sftp.RemoveDirectory(p)
	} else {
		err = c.sftp.Remove(p)
	}
	if err != nil {
		return errs.Transfer("remove", fmt.Errorf("remove %s: %w", p, err))
	}
	return nil
}

// Rename moves from to to.
func (c *Client) Rename(from, to string) error {
	src, dst := c.resolve(from), c.resolve(to)
	if err := c.sftp.Rename(src, dst); err != nil {
		return errs.Transfer("rename", fmt.Errorf("rename %s -> %s: %w", src, dst, err))
	}
	return nil
}

// Copy duplicates a remote file or directory tree on the server.
func (c *Client) Copy(ctx context.Context, from, to string) error {
	src, dst := c.resolve(from), c.resolve(to)
	if err := c.copyTree(ctx, src, dst); err != nil {
		return errs.Transfer("copy", err)
	}
	return nil
}

func (c *Client) copyTree(ctx context.Context, src, dst string) error {
	fi, err := c.sftp.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if fi.IsDir() {
		if err := c.sftp.MkdirAll(dst); err != nil {
			return fmt.Errorf("mkdir %s: %w", dst, err)
		}
		infos, err := c.sftp.ReadDir(src)
		if err != nil {
			return fmt.Errorf("readdir %s: %w", src, err)
		}
		for _, child := range infos {
			if err := c.copyTree(ctx, path.Join(src, child.Name()), path.Join(dst, child.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	in, err := c.sftp.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := c.sftp.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	_, err = copyChunks(ctx, out, in, fi.Size(), nil)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

// Chmod sets permissions given as octal, ls-style or symbolic notation and
// returns the resulting mode.
func (c *Client) Chmod(name, perm string) (os.FileMode, error) {
	p := c.resolve(name)
	fi, err := c.sftp.Stat(p)
	if err != nil {
		return 0, errs.Transfer("chmod", fmt.Errorf("stat %s: %w", p, err))
	}
	mode, err := ParseMode(perm, fi.Mode().Perm())
	if err != nil {
		return 0, errs.Transfer("chmod", err)
	}
	if err := c.sftp.Chmod(p, mode); err != nil {
		return 0, errs.Transfer("chmod", fmt.Errorf("chmod %s: %w", p, err))
	}
	log.Printf("[sftp] chmod %04o %s", uint32(mode), logutil.SanitizeForLog(p))
	return mode, nil
}

// Getwd returns the working directory relative paths resolve against.
func (c *Client) Getwd() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwd
}

// Chdir changes the working directory to the canonical form of dir.
func (c *Client) Chdir(dir string) (string, error) {
	p := c.resolve(dir)
	fi, err := c.sftp.Stat(p)
	if err != nil {
		return "", errs.Transfer("chdir", fmt.Errorf("stat %s: %w", p, err))
	}
	if !fi.IsDir() {
		return "", errs.Transfer("chdir", fmt.Errorf("%s: %w", p, ErrNotDirectory))
	}
	real, err := c.sftp.RealPath(p)
	if err != nil {
		return "", errs.Transfer("chdir", fmt.Errorf("realpath %s: %w", p, err))
	}
	c.mu.Lock()
	c.cwd = real
	c.mu.Unlock()
	return real, nil
}

// RealPath asks the server for the canonical form of name.
func (c *Client) RealPath(name string) (string, error) {
	p := c.resolve(name)
	real, err := c.sftp.RealPath(p)
	if err != nil {
		return "", errs.Transfer("realpath", fmt.Errorf("realpath %s: %w", p, err))
	}
	return real, nil
}

// ParseMode interprets perm relative to the current permission bits.
// Accepted forms: "755" or "0644"; "rwxr-xr-x" with an optional leading
// type character; comma-separated clauses like "u+x", "go-w", "a=r".
func ParseMode(perm string, current os.FileMode) (os.FileMode, error) {
	perm = strings.TrimSpace(perm)
	if perm == "" {
		return 0, errors.New("empty permission string")
	}
	if strings.Trim(perm, "01234567") == "" {
		v, err := strconv.ParseUint(perm, 8, 32)
		if err != nil || v > 0o7777 {
			return 0, fmt.Errorf("invalid octal mode %q", perm)
		}
		return octalToMode(uint32(v)), nil
	}
	if len(perm) == 10 {
		perm = perm[1:]
	}
	if len(perm) == 9 && strings.Trim(perm, "rwx-") == "" {
		var mode os.FileMode
		for i, ch := range perm {
			if ch != '-' {
				if byte(ch) != "rwx"[i%3] {
					return 0, fmt.Errorf("invalid permission string %q", perm)
				}
				mode |= 1 << uint(8-i)
			}
		}
		return mode, nil
	}
	return parseSymbolic(perm, current)
}

func octalToMode(v uint32) os.FileMode {
	mode := os.FileMode(v & 0o777)
	if v&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if v&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if v&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

func parseSymbolic(expr string, current os.FileMode) (os.FileMode, error) {
	mode := current
	for _, clause := range strings.Split(expr, ",") {
		i := strings.IndexAny(clause, "+-=")
		if i < 0 || i == len(clause)-1 && clause[i] != '=' {
			return 0, fmt.Errorf("invalid symbolic mode %q", expr)
		}
		who, action, perms := clause[:i], clause[i], clause[i+1:]
		if who == "" {
			who = "a"
		}

		var mask os.FileMode
		for _, w := range who {
			switch w {
			case 'u':
				mask |= 0o700
			case 'g':
				mask |= 0o070
			case 'o':
				mask |= 0o007
			case 'a':
				mask |= 0o777
			default:
				return 0, fmt.Errorf("invalid symbolic mode %q", expr)
			}
		}
		var bits os.FileMode
		for _, p := range perms {
			switch p {
			case 'r':
				bits |= 0o444
			case 'w':
				bits |= 0o222
			case 'x':
				bits |= 0o111
			default:
				return 0, fmt.Errorf("invalid symbolic mode %q", expr)
			}
		}
		bits &= mask

		switch action {
		case '+':
			mode |= bits
		case '-':
			mode &^= bits
		case '=':
			mode = mode&^mask | bits
		}
	}
	return mode, nil
}
