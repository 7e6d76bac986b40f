// Package cred resolves login material for the transport bindings that need
// to authenticate (FTP, IMAP). Managers are deliberately small: a lookup and
// an invalidation hook the bindings call when a login is refused.
package cred

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Manager resolves login material for a host.
type Manager interface {
	// Lookup returns the username and password to use for host.
	Lookup(host string) (user, password string, err error)
	// Reject invalidates whatever Lookup returned for host, so the next
	// Lookup does not repeat refused credentials.
	Reject(host string)
}

// Static always returns the same pair. Reject is a no-op; a refusal of
// static credentials is not recoverable here.
type Static struct {
	User     string
	Password string
}

func (s Static) Lookup(string) (string, string, error) { return s.User, s.Password, nil }

func (s Static) Reject(string) {}

// Prompt asks on the terminal, remembering answers per host so a session
// only bothers the operator once.
type Prompt struct {
	In           *os.File  // defaults to os.Stdin
	Out          io.Writer // defaults to os.Stderr
	DefaultLogin string

	mu    sync.Mutex
	cache map[string][2]string
}

func (p *Prompt) Lookup(host string) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pair, ok := p.cache[host]; ok {
		return pair[0], pair[1], nil
	}
	user, pass, err := p.ask(host)
	if err != nil {
		return "", "", err
	}
	if p.cache == nil {
		p.cache = make(map[string][2]string)
	}
	p.cache[host] = [2]string{user, pass}
	return user, pass, nil
}

func (p *Prompt) Reject(host string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, host)
}

func (p *Prompt) ask(host string) (string, string, error) {
	in := p.In
	if in == nil {
		in = os.Stdin
	}
	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, "Credentials for %s\n", host)
	if p.DefaultLogin != "" {
		fmt.Fprintf(out, "Login [%s]: ", p.DefaultLogin)
	} else {
		fmt.Fprint(out, "Login: ")
	}
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", "", errors.Wrap(err, "read login")
	}
	user := strings.TrimSpace(line)
	if user == "" {
		user = p.DefaultLogin
	}
	fmt.Fprint(out, "Password: ")
	var pass string
	if term.IsTerminal(int(in.Fd())) {
		raw, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", "", errors.Wrap(err, "read password")
		}
		pass = string(raw)
	} else {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", "", errors.Wrap(err, "read password")
		}
		pass = strings.TrimRight(line, "\r\n")
	}
	return user, pass, nil
}

// Chain tries each manager in turn and forwards rejections to all of them.
type Chain []Manager

func (c Chain) Lookup(host string) (string, string, error) {
	var lastErr error
	for _, m := range c {
		user, pass, err := m.Lookup(host)
		if err == nil {
			return user, pass, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Errorf("no credentials for %s", host)
	}
	return "", "", lastErr
}

func (c Chain) Reject(host string) {
	for _, m := range c {
		m.Reject(host)
	}
}
