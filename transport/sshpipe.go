package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes how to reach a bridge endpoint that only exposes
// its qemud byte pipe through a remote shell, rather than a raw TCP
// listener -- the same shape of problem the sysfs fallback solves for
// attribute writes, applied here to the whole serial stream.
type SSHConfig struct {
	Host     string
	User     string
	Password string
	KeyPath  string
	Port     int
	// Command is run on the remote host; its stdin/stdout become the
	// carried byte stream. Typically something like
	// "socat - TCP:127.0.0.1:5555" or "cat /dev/ttyqemud0".
	Command string
}

// SSH carries the qemud byte stream over a remote command's
// stdin/stdout, tunneled through an SSH session. Like TCP, it runs a
// background pump goroutine so CanRead/Read never block.
type SSH struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   interface{ Write([]byte) (int, error) }

	mu      sync.Mutex
	inbox   bytes.Buffer
	readErr error
}

// DialSSH opens an SSH connection per cfg and starts cfg.Command,
// wiring its stdio into a Transport.
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSH, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("transport: ssh host is required")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("transport: ssh command is required")
	}

	auth, err := sshAuthMethods(cfg)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial ssh %s: %w", addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, fmt.Errorf("transport: ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(clientConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("transport: ssh session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("transport: ssh stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("transport: ssh stdout pipe: %w", err)
	}

	if err := session.Start(cfg.Command); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("transport: ssh start %q: %w", cfg.Command, err)
	}

	t := &SSH{client: client, session: session, stdin: stdin}
	go t.pump(stdout)
	return t, nil
}

func sshAuthMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("transport: read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("transport: parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("transport: no ssh password or key configured")
	}
	return auth, nil
}

func (t *SSH) pump(r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		t.mu.Lock()
		if n > 0 {
			t.inbox.Write(buf[:n])
		}
		if err != nil {
			t.readErr = err
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
	}
}

// CanRead reports how many bytes are currently buffered.
func (t *SSH) CanRead() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inbox.Len()
}

// Read drains up to len(p) buffered bytes.
func (t *SSH) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inbox.Len() == 0 {
		if t.readErr != nil {
			return 0, t.readErr
		}
		return 0, nil
	}
	return t.inbox.Read(p)
}

// Write forwards p to the remote command's stdin.
func (t *SSH) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

// Close ends the remote session and the underlying SSH connection.
func (t *SSH) Close() error {
	_ = t.session.Close()
	return t.client.Close()
}
