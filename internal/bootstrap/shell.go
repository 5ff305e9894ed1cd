package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Shell is an interactive command channel: commands are written, their
// combined output is read back.
type Shell interface {
	io.Reader
	io.Writer
	Close() error
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func joinCommand(cmd string, args ...string) string {
	var b strings.Builder
	b.WriteString(shellEscape(cmd))
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(shellEscape(arg))
	}
	return b.String()
}

type localShell struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
}

// StartLocal runs `/bin/sh -s` as the shell. Used for the local host and in
// tests.
func StartLocal(ctx context.Context) (Shell, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("/bin/sh", "-s")
	cmd.Stdout = w
	cmd.Stderr = w
	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("bootstrap: start local shell: %w", err)
	}
	w.Close()
	return &localShell{cmd: cmd, stdin: stdin, stdout: r}, nil
}

func (s *localShell) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *localShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *localShell) Close() error {
	_ = s.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		_ = s.cmd.Process.Kill()
		err = <-done
	}
	_ = s.stdout.Close()
	return err
}

// SSHShell opens a shell on a remote host with key authentication.
type SSHShell struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
}

type sshShell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// Open dials the host and starts a non-interactive shell reading commands
// from stdin. Stderr is merged into stdout.
func (s SSHShell) Open(ctx context.Context) (Shell, error) {
	client, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	r, w := io.Pipe()
	session.Stdout = w
	session.Stderr = w
	if err := session.Start("/bin/sh -s"); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("bootstrap: start remote shell: %w", err)
	}
	go func() {
		w.CloseWithError(session.Wait())
	}()
	return &sshShell{client: client, session: session, stdin: stdin, stdout: r}, nil
}

func (s *sshShell) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshShell) Close() error {
	_ = s.stdin.Close()
	_ = s.session.Close()
	return s.client.Close()
}

func (s SSHShell) dial(ctx context.Context) (*ssh.Client, error) {
	address, err := s.address()
	if err != nil {
		return nil, err
	}
	config, err := s.clientConfig()
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: s.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (s SSHShell) address() (string, error) {
	host := strings.TrimSpace(s.Host)
	if host == "" {
		return "", errors.New("ssh host is required")
	}
	if s.Port != "" {
		return net.JoinHostPort(host, s.Port), nil
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, "22"), nil
}

func (s SSHShell) clientConfig() (*ssh.ClientConfig, error) {
	if s.User == "" {
		return nil, errors.New("ssh user is required")
	}
	signer, err := s.signer()
	if err != nil {
		return nil, err
	}
	var hostKeyCallback ssh.HostKeyCallback
	if s.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		hostKeyCallback, err = s.knownHostsCallback()
		if err != nil {
			return nil, err
		}
	}
	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.Timeout,
	}, nil
}

func (s SSHShell) signer() (ssh.Signer, error) {
	if s.KeyPath == "" {
		return nil, errors.New("ssh key path is required")
	}
	key, err := os.ReadFile(s.KeyPath)
	if err != nil {
		return nil, err
	}
	if len(s.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(key, s.Passphrase)
	}
	return ssh.ParsePrivateKey(key)
}

func (s SSHShell) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(s.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.New("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}
