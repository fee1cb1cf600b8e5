// Package sshfiles is the file transfer adapter: an SFTP client running on
// its own channel of an authenticated transport.
//
// The sftp channel has a lifecycle independent of the shell channel on the
// same transport. Closing a [Client] closes only its channel, and a failed
// transfer never touches the session that owns the transport. A transport
// carries at most one sftp channel at a time.
//
// # Operations
//
//   - [Client.Upload] and [Client.Download]: stream a file in 32 KiB chunks,
//     reporting progress and honouring context cancellation between chunks.
//     They return the bytes transferred even on failure; nothing is retried.
//   - [Client.List], [Client.Stat]: directory entries and file attributes.
//   - [Client.Mkdir] (recursive), [Client.Remove], [Client.Rename],
//     [Client.Copy].
//   - [Client.Chmod]: octal ("0755"), ls-style ("rwxr-x---") or symbolic
//     ("u+x,go-w") permissions.
//   - [Client.Getwd], [Client.Chdir], [Client.RealPath]: relative paths are
//     resolved against the client's working directory.
//
// Failures are returned as transfer errors from the errs package. All log
// lines use the "[sftp]" prefix.
package sshfiles
