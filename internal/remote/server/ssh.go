package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/gitview/internal/remote"
	"golang.org/x/crypto/ssh"
)

// Exit statuses of an SSH exec request.
const (
	exitOK          = 0
	exitUsage       = 1
	exitFatal       = 128
	sshHandshakeTTL = 30 * time.Second
)

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	// HostKeyPath holds the server's private key. A missing file is
	// created with a new ed25519 key; an empty path uses an ephemeral key.
	HostKeyPath string
	// AuthorizedKeysPath lists the public keys allowed to connect. When
	// empty any client is accepted.
	AuthorizedKeysPath string
}

// SSHServer serves views over the git protocol on SSH exec channels:
//
//	git-upload-pack '<addr>'
//	git-receive-pack '<addr>'
type SSHServer struct {
	services *Services
	config   *ssh.ServerConfig
	logger   *slog.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewSSHServer loads the host key and authorized keys and returns a server
// that is not yet listening.
func NewSSHServer(services *Services, cfg *SSHConfig, logger *slog.Logger) (*SSHServer, error) {
	if cfg == nil {
		cfg = &SSHConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	signer, err := LoadOrCreateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, err
	}

	sc := &ssh.ServerConfig{ServerVersion: "SSH-2.0-gitview"}
	if cfg.AuthorizedKeysPath == "" {
		sc.NoClientAuth = true
	} else {
		allowed, err := loadAuthorizedKeys(cfg.AuthorizedKeysPath)
		if err != nil {
			return nil, err
		}
		sc.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if !allowed[string(key.Marshal())] {
				return nil, fmt.Errorf("unknown public key for %q", meta.User())
			}
			return &ssh.Permissions{
				Extensions: map[string]string{"pubkey-fp": ssh.FingerprintSHA256(key)},
			}, nil
		}
	}
	sc.AddHostKey(signer)

	return &SSHServer{
		services:  services,
		config:    sc,
		logger:    logger,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// LoadOrCreateHostKey reads a PEM private key from path, generating and
// saving an ed25519 key when the file does not exist.
func LoadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			signer, err := ssh.ParsePrivateKey(raw)
			if err != nil {
				return nil, fmt.Errorf("parse host key %q: %w", path, err)
			}
			return signer, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read host key %q: %w", path, err)
		}
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	if path != "" {
		block, err := ssh.MarshalPrivateKey(priv, "gitview host key")
		if err != nil {
			return nil, fmt.Errorf("marshal host key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create host key directory: %w", err)
		}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			return nil, fmt.Errorf("write host key %q: %w", path, err)
		}
	}
	return ssh.NewSignerFromKey(priv)
}

// loadAuthorizedKeys parses an OpenSSH authorized_keys file.
func loadAuthorizedKeys(path string) (map[string]bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	keys := make(map[string]bool)
	for len(bytes.TrimSpace(raw)) > 0 {
		pub, _, _, rest, err := ssh.ParseAuthorizedKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse authorized keys %q: %w", path, err)
		}
		keys[string(pub.Marshal())] = true
		raw = rest
	}
	return keys, nil
}

// ListenAndServe listens on addr and serves until Close.
func (s *SSHServer) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Close. It always returns a non-nil
// error; after Close it is net.ErrClosed.
func (s *SSHServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return net.ErrClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("ssh server listening", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			delete(s.listeners, l)
			s.mu.Unlock()
			if closed {
				return net.ErrClosed
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return net.ErrClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

// Close stops the listeners, drops open connections and waits for their
// goroutines to finish.
func (s *SSHServer) Close() error {
	s.mu.Lock()
	s.closed = true
	for l := range s.listeners {
		l.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *SSHServer) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *SSHServer) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *SSHServer) handleConn(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(sshHandshakeTTL))
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		s.logger.Debug("ssh handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	conn.SetDeadline(time.Time{})
	defer sconn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sconn.Wait()
		cancel()
	}()
	go ssh.DiscardRequests(reqs)

	logger := s.logger.With("remote", sconn.RemoteAddr().String(), "user", sconn.User())
	var channels sync.WaitGroup
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			logger.Warn("accept ssh channel", "error", err)
			continue
		}
		channels.Add(1)
		go func() {
			defer channels.Done()
			s.handleChannel(ctx, ch, requests, logger)
		}()
	}
	channels.Wait()
}

// handleChannel waits for the exec request of a session channel and runs
// it. Environment requests are accepted and ignored.
func (s *SSHServer) handleChannel(ctx context.Context, ch ssh.Channel, requests <-chan *ssh.Request, logger *slog.Logger) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "env":
			req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			status := guardExec(logger, func() uint32 {
				return s.exec(ctx, ch, payload.Command, logger)
			})
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		default:
			req.Reply(false, nil)
		}
	}
}

// guardExec runs fn and turns a panic into a fatal exit status, so one
// broken session cannot take down the server.
func guardExec(logger *slog.Logger, fn func() uint32) (status uint32) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("panic recovered", "error", v)
			status = exitFatal
		}
	}()
	return fn()
}

// exec runs one git service on the channel and returns its exit status.
func (s *SSHServer) exec(ctx context.Context, ch ssh.Channel, command string, logger *slog.Logger) uint32 {
	start := time.Now()
	reqID := uuid.New().String()
	logger = logger.With("request_id", reqID)

	service, path, err := ParseSSHCommand(command)
	if err != nil {
		fmt.Fprintf(ch.Stderr(), "gitview: %v\n", err)
		logger.Warn("rejected ssh command", "command", command, "error", err)
		return exitUsage
	}

	addr, err := remote.ParseAddress(path)
	if err != nil {
		remote.WriteErrorLine(ch, err.Error())
		return exitFatal
	}

	sess, err := s.services.Session(addr, false, reqID)
	if err != nil {
		msg := "repository not found"
		if !errors.Is(err, ErrRepoNotFound) {
			logger.Error("open repository", "error", err, "repo", addr.Repo)
			msg = "internal server error"
		}
		remote.WriteErrorLine(ch, msg)
		return exitFatal
	}

	w := bufio.NewWriter(ch)
	err = sess.AdvertiseRefs(ctx, w, service, false)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		if service == remote.UploadPackService {
			err = sess.UploadPack(ctx, ch, ch)
		} else {
			err = sess.ReceivePack(ctx, ch, ch)
		}
	}
	s.services.Metrics.observeSession("ssh", service, start, err)

	if err != nil {
		if errors.Is(err, io.EOF) {
			return exitOK
		}
		logger.Warn("git session failed",
			"error", err,
			"service", service,
			"repo", addr.Repo,
			"view", addr.Filter.String(),
		)
		return exitFatal
	}
	return exitOK
}

// ParseSSHCommand splits an exec command such as
// git-upload-pack '/project.git/sub' into the service and the path.
func ParseSSHCommand(command string) (service, path string, err error) {
	service, arg, ok := strings.Cut(strings.TrimSpace(command), " ")
	if service == "git" {
		// "git upload-pack '<path>'"
		var sub string
		sub, arg, ok = strings.Cut(strings.TrimSpace(arg), " ")
		service = "git-" + sub
	}
	if !ok || !remote.IsService(service) {
		return "", "", fmt.Errorf("unsupported command %q", command)
	}

	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 && arg[0] == '\'' && arg[len(arg)-1] == '\'' {
		arg = strings.ReplaceAll(arg[1:len(arg)-1], `'\''`, `'`)
	}
	if arg == "" {
		return "", "", fmt.Errorf("missing repository path in %q", command)
	}
	return service, arg, nil
}
