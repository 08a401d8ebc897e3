package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os/exec"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

type execHandler func(command string, stdin io.Reader, stdout, stderr io.Writer) int

type testServer struct {
	addr    string
	hostKey ssh.Signer
	client  ssh.Signer

	mu       sync.Mutex
	commands []string
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// startServer runs an in-process SSH server on loopback. Exec requests are
// passed to handler.
func startServer(t *testing.T, handler execHandler) *testServer {
	t.Helper()
	return startServerWithHostKeys(t, handler)
}

// startServerWithHostKeys is startServer with additional host keys offered
// next to the ed25519 one.
func startServerWithHostKeys(t *testing.T, handler execHandler, extra ...ssh.Signer) *testServer {
	t.Helper()
	srv := &testServer{hostKey: newSigner(t), client: newSigner(t)}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(srv.client.PublicKey().Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errUnknownKey
		},
	}
	cfg.AddHostKey(srv.hostKey)
	for _, key := range extra {
		cfg.AddHostKey(key)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	srv.addr = ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, cfg, handler)
		}
	}()
	return srv
}

var errUnknownKey = errors.New("unknown client key")

func (s *testServer) serve(conn net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, requests, handler)
	}
}

func (s *testServer) session(ch ssh.Channel, requests <-chan *ssh.Request, handler execHandler) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		code := handler(payload.Command, ch, ch, ch.Stderr())
		_ = ch.CloseWrite()
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
		return
	}
}

func (s *testServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func bashlessHandler(string, io.Reader, io.Writer, io.Writer) int { return 0 }

// bashHandler executes commands with the local bash so rendered scripts run
// for real.
func bashHandler(t *testing.T) execHandler {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	return func(command string, stdin io.Reader, stdout, stderr io.Writer) int {
		cmd := exec.Command("bash", "-c", command)
		cmd.Stdin = stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return exitErr.ExitCode()
			}
			return 255
		}
		return 0
	}
}
