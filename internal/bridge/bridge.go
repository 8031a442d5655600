// Package bridge runs one claimed session end to end: it resolves the
// target and credential, opens the SSH connection, and pumps bytes in
// both directions between the transport and the shell channel until
// either side terminates.
//
// A session moves through Authenticating → Active → Closing → Closed.
// The two pump directions run as independent goroutines sharing a
// single cancellation context: a transport disconnect, an SSH error, or
// shell exit on either side cancels the peer, and teardown releases the
// shell channel, the SSH connection, and the transport idempotently.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/bastionhq/bastiond/internal/database"
	"github.com/bastionhq/bastiond/internal/registry"
	"github.com/bastionhq/bastiond/internal/vault"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrKeyParse means the decrypted credential is not usable key material.
	ErrKeyParse = errors.New("bridge: private key parse failed")

	// ErrSSHConnect means the SSH connection to the target could not be
	// established (unreachable host, rejected auth, failed negotiation).
	ErrSSHConnect = errors.New("bridge: ssh connection failed")
)

// outputQueueDepth bounds the shell-output queue between the channel
// readers and the transport drain. A burst of shell output applies
// backpressure on the readers instead of being dropped.
const outputQueueDepth = 64

// shellReadBufSize is the read chunk size for shell stdout/stderr.
const shellReadBufSize = 32 * 1024

// Bridge owns one claimed session. Neither the SSH connection nor the
// transport is shared across sessions.
type Bridge struct {
	Session  *registry.Session
	Registry *registry.Registry
	Vault    *vault.Vault

	// ConnectTimeout bounds SSH connection establishment. Active
	// sessions have no timeout: idle sessions are valid and expected.
	ConnectTimeout time.Duration
}

// Run drives the session to completion. It blocks until the pump
// terminates, and always removes the session from the registry before
// returning. The transport is closed on all paths.
func (b *Bridge) Run(ctx context.Context, t Transport) {
	sess := b.Session
	defer func() {
		sess.SetState(registry.StateClosing)
		t.Close("session ended")
		b.Registry.Remove(sess.ID)
	}()

	// Re-resolve target and credential; nothing from initiation time is
	// trusted, since records may have changed since.
	target, err := database.GetTarget(sess.TargetID)
	if err != nil {
		log.Printf("bridge %s: target %d vanished: %v", sess.ID, sess.TargetID, err)
		b.sendError(ctx, t, "target no longer exists")
		return
	}

	keyText, err := b.Vault.Reveal(target.CredentialID)
	if err != nil {
		log.Printf("bridge %s: credential %d unusable: %v", sess.ID, target.CredentialID, err)
		b.sendError(ctx, t, "credential could not be resolved")
		return
	}

	signer, err := ssh.ParsePrivateKey([]byte(keyText))
	if err != nil {
		log.Printf("bridge %s: %v: %v", sess.ID, ErrKeyParse, err)
		b.sendError(ctx, t, "credential contains malformed key material")
		return
	}

	client, err := b.dialSSH(ctx, target, signer)
	if err != nil {
		log.Printf("bridge %s: %v", sess.ID, err)
		b.sendError(ctx, t, fmt.Sprintf("failed to connect to %s: connection or authentication error", target.Host))
		return
	}
	defer client.Close()

	shell, err := openShell(client)
	if err != nil {
		log.Printf("bridge %s: open shell: %v", sess.ID, err)
		b.sendError(ctx, t, "failed to start remote shell")
		return
	}
	defer shell.Close()

	sess.SetState(registry.StateActive)
	log.Printf("bridge %s: active (target %d, %s@%s)", sess.ID, target.ID, target.ConnectUser, target.Host)

	b.pump(ctx, t, shell)
}

// sendError emits the single terminal error envelope. Errors during the
// send are ignored: the transport may already be gone, and teardown
// proceeds regardless.
func (b *Bridge) sendError(ctx context.Context, t Transport, msg string) {
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = t.Send(sendCtx, Envelope{Error: msg})
}

// dialSSH connects to the target host with a bounded timeout.
func (b *Bridge) dialSSH(ctx context.Context, target *database.Target, signer ssh.Signer) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: target.ConnectUser,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         b.ConnectTimeout,
	}

	addr := target.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	dialer := net.Dialer{Timeout: b.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrSSHConnect, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %v", ErrSSHConnect, addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// shellChannel is an interactive shell on an SSH connection.
type shellChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	closeOnce sync.Once
}

func openShell(client *ssh.Client) (*shellChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &shellChannel{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

// Close releases the shell channel. Safe to call more than once.
func (sc *shellChannel) Close() {
	sc.closeOnce.Do(func() {
		sc.stdin.Close()
		sc.session.Close()
	})
}

// pump runs the bidirectional relay until either side terminates.
//
// Three goroutines feed a shared cancellation context: two readers
// draining the shell's stdout and stderr into a bounded queue, and one
// drain forwarding queued chunks to the transport. The calling
// goroutine runs the inbound direction. Whichever side fails first
// cancels the rest; no direction can stall the other.
func (b *Bridge) pump(ctx context.Context, t Transport, shell *shellChannel) {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	output := make(chan []byte, outputQueueDepth)

	var readers sync.WaitGroup
	for _, stream := range []io.Reader{shell.stdout, shell.stderr} {
		readers.Add(1)
		go func(r io.Reader) {
			defer readers.Done()
			buf := make([]byte, shellReadBufSize)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					data := make([]byte, n)
					copy(data, buf[:n])
					select {
					case output <- data:
					case <-pumpCtx.Done():
						return
					}
				}
				if err != nil {
					// Shell channel closed; stop the whole pump.
					cancel()
					return
				}
			}
		}(stream)
	}

	// Shell output -> transport.
	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		defer cancel()
		for {
			select {
			case data := <-output:
				if err := t.Send(pumpCtx, Envelope{Output: string(data)}); err != nil {
					return
				}
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	// Transport -> shell stdin. Runs on the calling goroutine.
	for {
		env, err := t.Receive(pumpCtx)
		if err != nil {
			break
		}
		if env.Message == "" {
			continue
		}
		if _, err := shell.stdin.Write([]byte(env.Message)); err != nil {
			break
		}
	}

	cancel()
	shell.Close()
	readers.Wait()
	drain.Wait()
}
