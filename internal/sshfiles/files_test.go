package sshfiles

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chardonnay/korTTY/internal/credstore"
	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/profile"
	"github.com/chardonnay/korTTY/internal/sshtest"
	"github.com/chardonnay/korTTY/internal/sshtransport"
)

func openTransport(t *testing.T) *sshtransport.Transport {
	t.Helper()
	srv := sshtest.Start(t, sshtest.Options{Passwords: map[string]string{"alice": "secret"}})
	vault, err := credstore.NewVault(nil)
	if err != nil {
		t.Fatal(err)
	}
	vault.Put("pw", "secret")
	host, port := srv.Host()
	p := &profile.Profile{
		Host:        host,
		Port:        port,
		Username:    "alice",
		Credentials: []profile.Credential{{Kind: profile.CredPassword, SecretRef: "pw"}},
	}
	tr, err := sshtransport.NewDialer(sshtransport.Options{Secrets: vault}).Open(context.Background(), p)
	if err != nil {
		t.Fatalf("open transport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func openClient(t *testing.T) (*Client, *sshtransport.Transport) {
	t.Helper()
	tr := openTransport(t)
	c, err := OpenTransfer(tr)
	if err != nil {
		t.Fatalf("OpenTransfer: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, tr
}

// The test server shares this process's filesystem, so remote paths are
// paths under t.TempDir().

func TestUploadDownloadRoundTrip(t *testing.T) {
	c, _ := openClient(t)
	dir := t.TempDir()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 10000) // 160000 bytes, several chunks
	local := filepath.Join(dir, "local.bin")
	if err := os.WriteFile(local, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	var calls int
	var last, total int64
	n, err := c.Upload(context.Background(), local, filepath.Join(dir, "remote.bin"), WithProgress(func(done, size int64) {
		calls++
		last, total = done, size
	}))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("Upload = %d bytes, want %d", n, len(payload))
	}
	if calls < 2 || last != n || total != n {
		t.Errorf("progress calls=%d last=%d total=%d", calls, last, total)
	}

	back := filepath.Join(dir, "back.bin")
	n, err = c.Download(context.Background(), filepath.Join(dir, "remote.bin"), back)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(back)
	if n != int64(len(payload)) || !bytes.Equal(got, payload) {
		t.Errorf("downloaded %d bytes, content equal = %v", n, bytes.Equal(got, payload))
	}
}

func TestDownloadMissingIsTransferError(t *testing.T) {
	c, _ := openClient(t)
	_, err := c.Download(context.Background(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "x"))
	if errs.KindOf(err) != errs.KindTransfer {
		t.Fatalf("kind = %q, want transfer (err %v)", errs.KindOf(err), err)
	}
}

func TestUploadCancelled(t *testing.T) {
	c, _ := openClient(t)
	dir := t.TempDir()
	local := filepath.Join(dir, "big")
	os.WriteFile(local, make([]byte, 4*chunkSize), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	n, err := c.Upload(ctx, local, filepath.Join(dir, "remote"), WithProgress(func(done, _ int64) {
		if done >= chunkSize {
			cancel()
		}
	}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errs.KindOf(err) != errs.KindTransfer {
		t.Errorf("kind = %q, want transfer", errs.KindOf(err))
	}
	if n != chunkSize {
		t.Errorf("reported %d bytes, want %d", n, chunkSize)
	}
}

func TestTransferIndependentOfShell(t *testing.T) {
	c, tr := openClient(t)
	shell, err := tr.OpenChannel(sshtransport.ChannelShell)
	if err != nil {
		t.Fatalf("open shell channel: %v", err)
	}
	defer shell.Close()

	if err := c.Close(); err != nil {
		t.Logf("sftp close: %v", err)
	}
	select {
	case <-shell.Done():
		t.Fatal("closing the transfer closed the shell channel")
	default:
	}
	if tr.OpenChannels() != 1 {
		t.Errorf("open channels = %d, want 1", tr.OpenChannels())
	}

	// The sftp slot is free again.
	c2, err := OpenTransfer(tr)
	if err != nil {
		t.Fatalf("reopen transfer: %v", err)
	}
	c2.Close()
}

func TestSecondTransferBusy(t *testing.T) {
	_, tr := openClient(t)
	if _, err := OpenTransfer(tr); !errors.Is(err, sshtransport.ErrSFTPBusy) {
		t.Fatalf("err = %v, want ErrSFTPBusy", err)
	}
}

func TestDirectoryOperations(t *testing.T) {
	c, _ := openClient(t)
	root := t.TempDir()

	if err := c.Mkdir(filepath.Join(root, "a", "b", "c")); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	os.WriteFile(filepath.Join(root, "a", "file.txt"), []byte("hi"), 0o644)

	entries, err := c.List(filepath.Join(root, "a"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "b" || entries[0].Type != "dir" || entries[1].Name != "file.txt" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].Size != 2 {
		t.Errorf("file size = %d", entries[1].Size)
	}

	if err := c.Rename(filepath.Join(root, "a", "file.txt"), filepath.Join(root, "a", "moved.txt")); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := c.Stat(filepath.Join(root, "a", "moved.txt")); err != nil {
		t.Errorf("Stat after rename: %v", err)
	}

	if err := c.Copy(context.Background(), filepath.Join(root, "a"), filepath.Join(root, "copy")); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if b, err := os.ReadFile(filepath.Join(root, "copy", "moved.txt")); err != nil || string(b) != "hi" {
		t.Errorf("copied file = %q, %v", b, err)
	}
	if _, err := os.Stat(filepath.Join(root, "copy", "b", "c")); err != nil {
		t.Errorf("copied tree missing nested dir: %v", err)
	}

	if err := c.Remove(filepath.Join(root, "a", "b", "c")); err != nil {
		t.Fatalf("Remove dir: %v", err)
	}
	if err := c.Remove(filepath.Join(root, "a", "moved.txt")); err != nil {
		t.Fatalf("Remove file: %v", err)
	}
	if err := c.Remove(filepath.Join(root, "a", "gone")); errs.KindOf(err) != errs.KindTransfer {
		t.Errorf("Remove missing: %v", err)
	}
}

func TestChdirAndRelativePaths(t *testing.T) {
	c, _ := openClient(t)
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	os.Mkdir(filepath.Join(root, "sub"), 0o755)
	os.WriteFile(filepath.Join(root, "sub", "f"), []byte("x"), 0o644)

	wd, err := c.Chdir(root)
	if err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	if wd != root || c.Getwd() != root {
		t.Fatalf("cwd = %q / %q, want %q", wd, c.Getwd(), root)
	}
	if _, err := c.Chdir("sub"); err != nil {
		t.Fatalf("relative Chdir: %v", err)
	}
	if _, err := c.Stat("f"); err != nil {
		t.Errorf("relative Stat: %v", err)
	}
	real, err := c.RealPath("..")
	if err != nil || real != root {
		t.Errorf("RealPath(..) = %q, %v", real, err)
	}
	if _, err := c.Chdir("f"); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("Chdir to file = %v, want ErrNotDirectory", err)
	}
}

func TestChmod(t *testing.T) {
	c, _ := openClient(t)
	f := filepath.Join(t.TempDir(), "script.sh")
	os.WriteFile(f, []byte("#!/bin/sh\n"), 0o644)

	mode, err := c.Chmod(f, "u+x")
	if err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if mode != 0o744 {
		t.Errorf("mode = %04o, want 0744", mode)
	}
	info, _ := os.Stat(f)
	if info.Mode().Perm() != 0o744 {
		t.Errorf("file mode = %04o", info.Mode().Perm())
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		perm    string
		current os.FileMode
		want    os.FileMode
		wantErr bool
	}{
		{"755", 0, 0o755, false},
		{"0640", 0o777, 0o640, false},
		{"4755", 0, 0o755 | os.ModeSetuid, false},
		{"rwxr-x---", 0, 0o750, false},
		{"-rw-r--r--", 0, 0o644, false},
		{"u+x", 0o644, 0o744, false},
		{"go-w", 0o666, 0o644, false},
		{"a=r", 0o755, 0o444, false},
		{"+x", 0o644, 0o755, false},
		{"u=rwx,g=rx,o=", 0o000, 0o750, false},
		{"", 0, 0, true},
		{"99", 0, 0, true},
		{"u+z", 0, 0, true},
		{"q+x", 0, 0, true},
		{"rwzr-x---", 0, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.perm, tt.current)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.perm, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseMode(%q, %04o) = %v, want %v", tt.perm, tt.current, got, tt.want)
		}
	}
}

func TestClosedTransport(t *testing.T) {
	tr := openTransport(t)
	tr.Close()
	_, err := OpenTransfer(tr)
	if errs.KindOf(err) != errs.KindChannel {
		t.Fatalf("kind = %q, want channel (err %v)", errs.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "sftp") {
		t.Errorf("error %q does not name the channel kind", err)
	}
}
