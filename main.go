package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/chardonnay/korTTY/internal/config"
	"github.com/chardonnay/korTTY/internal/credstore"
	"github.com/chardonnay/korTTY/internal/crypto"
	"github.com/chardonnay/korTTY/internal/database"
	"github.com/chardonnay/korTTY/internal/errs"
	"github.com/chardonnay/korTTY/internal/logging"
	"github.com/chardonnay/korTTY/internal/monitor"
	"github.com/chardonnay/korTTY/internal/profile"
	"github.com/chardonnay/korTTY/internal/sshaudit"
	"github.com/chardonnay/korTTY/internal/sshkeys"
	"github.com/chardonnay/korTTY/internal/sshsession"
	"github.com/chardonnay/korTTY/internal/sshtransport"
)

const usage = `Usage:
  kortty [flags] <profile | user@host[:port]>
  kortty keygen [-C comment] <path>
  kortty recent [-n count]

Flags:
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the launcher. It returns the process exit code so deferred cleanup
// runs before the process exits.
func run(args []string) int {
	// Handle subcommands before opening a session
	if len(args) > 0 {
		switch args[0] {
		case "keygen":
			return runKeygen(args[1:])
		case "recent":
			return runRecent(args[1:])
		}
	}

	fs := flag.NewFlagSet("kortty", flag.ContinueOnError)
	user := fs.String("l", "", "Login name, overrides the profile")
	port := fs.Int("p", 0, "Port, overrides the profile")
	identity := fs.String("i", "", "Private key file to offer first")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Printf("Database init: %v", err)
		return 1
	}
	defer database.Close()

	auditor, err := sshaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	if err != nil {
		log.Printf("Audit init: %v", err)
		return 1
	}

	p, err := resolveProfile(fs.Arg(0), *user, *port, *identity)
	if err != nil {
		log.Printf("Profile: %v", err)
		return 1
	}

	vault, err := newVault(config.Cfg.VaultKey)
	if err != nil {
		log.Printf("Vault init: %v", err)
		return 1
	}
	secrets := credstore.Chain{vault, credstore.Env{Prefix: "KORTTY_SECRET_"}}
	if err := promptSecrets(p, vault, secrets, readPassword); err != nil {
		log.Printf("Credentials: %v", err)
		return 1
	}

	hostKeys, err := sshtransport.HostKeyPolicy{
		KnownHostsPath: config.Cfg.KnownHostsPath,
		Strict:         config.Cfg.StrictHostKeyChecking,
		AcceptNew:      config.Cfg.AcceptNewHostKeys,
	}.Callback()
	if err != nil {
		log.Printf("Host key policy: %v", err)
		return 1
	}
	dialer := sshtransport.NewDialer(sshtransport.Options{
		ConnectTimeout:    config.Cfg.ConnectTimeout,
		KeepaliveInterval: config.Cfg.KeepaliveInterval,
		HostKeyCallback:   hostKeys,
		Secrets:           secrets,
		Limiter:           sshtransport.NewAttemptLimiter(sshtransport.DefaultLimitConfig()),
	})

	mgr := sshsession.NewManager(sshsession.Options{
		Dialer:           dialer,
		ScrollbackBytes:  config.Cfg.ScrollbackBytes,
		AutoReconnect:    config.Cfg.AutoReconnect,
		ReconnectRetries: config.Cfg.ReconnectRetries,
		Auditor:          auditor,
		TermLogDir:       config.Cfg.TerminalLogDir,
		TermLogMaxMB:     config.Cfg.TerminalLogMaxMB,
	})
	defer mgr.CloseAll()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := startJobs(mgr, auditor, config.Cfg.IdleTimeout)
	if err != nil {
		log.Printf("Scheduler: %v", err)
		return 1
	}
	defer sched.Stop()

	if addr := config.Cfg.MonitorAddr; addr != "" {
		srv := monitor.New(mgr, auditor)
		go func() {
			if err := srv.Run(sigCtx, addr); err != nil {
				log.Printf("Monitor error: %v", err)
			}
		}()
	}

	id, err := mgr.Connect(p)
	if err != nil {
		log.Printf("Connect: %v", err)
		return 1
	}
	state, err := mgr.Wait(sigCtx, id)
	if err != nil {
		log.Printf("Connect aborted: %v", err)
		return 1
	}
	if state != sshsession.StateActive {
		snap, _ := mgr.Get(id)
		fmt.Fprintf(os.Stderr, "kortty: cannot connect to %s: %s\n", p.DisplayName(), describeCause(snap.Cause))
		return 1
	}

	if err := runTerminal(sigCtx, mgr, id); err != nil {
		log.Printf("Terminal: %v", err)
	}
	log.Println("Shutting down...")
	return 0
}

// resolveProfile looks target up in the profiles file and falls back to a
// user@host[:port] target. Flag overrides and ~/.ssh/config are applied to
// the result.
func resolveProfile(target, user string, port int, identity string) (*profile.Profile, error) {
	var p *profile.Profile
	profiles, err := profile.Load(config.Cfg.ProfilesPath)
	switch {
	case err == nil:
		if found, ok := profile.Find(profiles, target); ok {
			p = found.Clone()
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	if p == nil {
		if p, err = profile.ParseTarget(target); err != nil {
			return nil, err
		}
	}

	if user != "" {
		p.Username = user
	}
	if port > 0 {
		p.Port = port
	}
	if identity != "" {
		key := profile.Credential{Kind: profile.CredPublicKey, KeyPath: config.ExpandHome(identity)}
		p.Credentials = append([]profile.Credential{key}, p.Credentials...)
	}
	if err := profile.ResolveSSHConfig(p, config.Cfg.SSHConfigPath); err != nil {
		return nil, err
	}
	if p.Username == "" {
		if u := os.Getenv("USER"); u != "" {
			p.Username = u
		}
	}
	if len(p.Credentials) == 0 {
		p.Credentials = []profile.Credential{
			{Kind: profile.CredAgent},
			{Kind: profile.CredPassword, SecretRef: "target:" + p.Username + "@" + p.Host},
		}
	}
	p.ApplyDefaults()
	return p, nil
}

// newVault opens the credential vault with the configured key, or a key
// generated for this process when none is set.
func newVault(encodedKey string) (*credstore.Vault, error) {
	key, err := crypto.DecodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return credstore.NewVault(key)
}

// promptSecrets asks for every password and key passphrase the profile
// references but no provider can supply, and stores the answers in vault.
func promptSecrets(p *profile.Profile, vault *credstore.Vault, secrets credstore.Provider, ask func(prompt string) (string, error)) error {
	for _, c := range p.Credentials {
		var ref, prompt string
		switch c.Kind {
		case profile.CredPassword, profile.CredKeyboardInteractive:
			ref = c.SecretRef
			prompt = fmt.Sprintf("%s@%s's password: ", p.Username, p.Host)
		case profile.CredPublicKey:
			ref = c.PassphraseRef
			prompt = fmt.Sprintf("Enter passphrase for key '%s': ", c.KeyPath)
		}
		if ref == "" {
			continue
		}
		if _, err := secrets.Secret(ref); err == nil {
			continue
		}
		answer, err := ask(prompt)
		if err != nil {
			return fmt.Errorf("read secret for %s: %w", c.Name(), err)
		}
		if err := vault.Put(ref, answer); err != nil {
			return err
		}
	}
	return nil
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		return strings.TrimRight(line, "\r\n"), err
	}
	b, err := term.ReadPassword(fd)
	return string(b), err
}

func describeCause(c *errs.Cause) string {
	if c == nil {
		return "unknown error"
	}
	return c.String()
}

func runKeygen(args []string) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	comment := fs.String("C", "", "Key comment")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: kortty keygen [-C comment] <path>")
		return 2
	}
	path := config.ExpandHome(fs.Arg(0))

	passphrase, err := readPassword("Enter passphrase (empty for no passphrase): ")
	if err != nil {
		log.Printf("Failed to read passphrase: %v", err)
		return 1
	}
	if passphrase != "" {
		again, err := readPassword("Enter same passphrase again: ")
		if err != nil {
			log.Printf("Failed to read passphrase: %v", err)
			return 1
		}
		if again != passphrase {
			log.Printf("Passphrases do not match")
			return 1
		}
	}

	pub, priv, err := sshkeys.GenerateKeyPair(*comment, passphrase)
	if err != nil {
		log.Printf("Failed to generate key: %v", err)
		return 1
	}
	if err := sshkeys.SaveKeyPair(path, priv, pub); err != nil {
		log.Printf("Failed to save key: %v", err)
		return 1
	}
	fmt.Printf("Key pair written to %s and %s.pub\n", path, path)
	return 0
}

func runRecent(args []string) int {
	fs := flag.NewFlagSet("recent", flag.ContinueOnError)
	limit := fs.Int("n", 10, "Number of profiles to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Printf("Database init: %v", err)
		return 1
	}
	defer database.Close()

	recent, err := database.RecentProfiles(database.DB, *limit)
	if err != nil {
		log.Printf("Failed to list profiles: %v", err)
		return 1
	}
	for _, u := range recent {
		fmt.Printf("%-30s %5d  %s\n", u.ProfileName, u.Connections, u.LastUsedAt.Format(time.RFC3339))
	}
	return 0
}
