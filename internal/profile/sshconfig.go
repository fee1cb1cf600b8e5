package profile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// ResolveSSHConfig fills fields the profile leaves unset from the OpenSSH
// client config at path, treating Host as a possible alias. Fields already
// set on the profile win. A missing config file is not an error.
func ResolveSSHConfig(p *Profile, path string) error {
	content, err := readUntilMatch(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read ssh config: %w", err)
	}
	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("decode ssh config: %w", err)
	}

	alias := p.Host
	if hostname, _ := cfg.Get(alias, "HostName"); hostname != "" {
		p.Host = hostname
	}
	if p.Port == 0 || p.Port == DefaultPort {
		if port, _ := cfg.Get(alias, "Port"); port != "" {
			n, err := strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("ssh config: host %s: invalid port %q", alias, port)
			}
			p.Port = n
		}
	}
	if p.Username == "" {
		if user, _ := cfg.Get(alias, "User"); user != "" {
			p.Username = user
		}
	}
	if identity, _ := cfg.Get(alias, "IdentityFile"); identity != "" && !hasKeyCredential(p) {
		p.Credentials = append(p.Credentials, Credential{
			Kind:    CredPublicKey,
			Label:   "ssh_config identity",
			KeyPath: expandHome(identity),
		})
	}
	if p.Jump == nil {
		if jump, _ := cfg.Get(alias, "ProxyJump"); jump != "" && jump != "none" {
			j, err := ParseTarget(strings.Split(jump, ",")[0])
			if err != nil {
				return fmt.Errorf("ssh config: host %s: %w", alias, err)
			}
			p.Jump = &JumpHost{
				Host:        j.Host,
				Port:        j.Port,
				Username:    j.Username,
				Credentials: []Credential{{Kind: CredAgent}},
			}
			if p.Jump.Username == "" {
				p.Jump.Username = p.Username
			}
		}
	}
	return nil
}

func hasKeyCredential(p *Profile) bool {
	for _, c := range p.Credentials {
		if c.Kind == CredPublicKey {
			return true
		}
	}
	return false
}

// readUntilMatch returns the config content up to the first Match block,
// which ssh_config cannot parse.
func readUntilMatch(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.EqualFold(fields[0], "Match") {
			break
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), scanner.Err()
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
