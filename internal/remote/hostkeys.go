package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyMismatch reports that the host presented a key different from
// the one already recorded for it.
var ErrHostKeyMismatch = errors.New("host key does not match known_hosts entry")

// HostKeyCallback returns a strict callback backed by the known_hosts file at
// path, creating an empty file if none exists.
func HostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if err := ensureKnownHosts(path); err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func ensureKnownHosts(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create known_hosts: %w", err)
	}
	return f.Close()
}

// RegisterHost records the host key served at address in the known_hosts file
// at path. It returns true when a new entry was written. A key that conflicts
// with an existing entry is never replaced.
func RegisterHost(ctx context.Context, path, address string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	known, err := HostKeyCallback(path)
	if err != nil {
		return false, err
	}
	algorithms, err := HostKeyAlgorithms(path, address)
	if err != nil {
		return false, err
	}
	key, err := scanHostKey(ctx, address, timeout, algorithms)
	if err != nil {
		return false, err
	}
	err = known(address, tcpAddr(address), key)
	if err == nil {
		return false, nil
	}
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return false, fmt.Errorf("check known_hosts: %w", err)
	}
	for _, want := range keyErr.Want {
		if want.Key.Type() == key.Type() {
			return false, fmt.Errorf("%s: %w", address, ErrHostKeyMismatch)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(address)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return false, fmt.Errorf("write known_hosts: %w", err)
	}
	return true, nil
}

// hostKeyPreference orders the algorithms offered for a host whose key types
// are already recorded.
var hostKeyPreference = []struct {
	keyType    string
	algorithms []string
}{
	{ssh.KeyAlgoED25519, []string{ssh.KeyAlgoED25519}},
	{ssh.KeyAlgoECDSA256, []string{ssh.KeyAlgoECDSA256}},
	{ssh.KeyAlgoECDSA384, []string{ssh.KeyAlgoECDSA384}},
	{ssh.KeyAlgoECDSA521, []string{ssh.KeyAlgoECDSA521}},
	{ssh.KeyAlgoRSA, []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}},
}

// HostKeyAlgorithms lists the host key algorithms matching the key types
// recorded for address in the known_hosts file at path, so the handshake
// negotiates a key that can be verified. It returns nil for an unknown host.
func HostKeyAlgorithms(path, address string) ([]string, error) {
	known, err := HostKeyCallback(path)
	if err != nil {
		return nil, err
	}
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	placeholder, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, err
	}
	// A fresh key never matches, so the error lists every recorded key.
	var keyErr *knownhosts.KeyError
	if err := known(address, tcpAddr(address), placeholder); !errors.As(err, &keyErr) || len(keyErr.Want) == 0 {
		return nil, nil
	}
	types := make(map[string]bool, len(keyErr.Want))
	for _, want := range keyErr.Want {
		types[want.Key.Type()] = true
	}
	var algorithms []string
	for _, pref := range hostKeyPreference {
		if types[pref.keyType] {
			algorithms = append(algorithms, pref.algorithms...)
			delete(types, pref.keyType)
		}
	}
	for keyType := range types {
		algorithms = append(algorithms, keyType)
	}
	return algorithms, nil
}

func tcpAddr(address string) net.Addr {
	if addr, err := net.ResolveTCPAddr("tcp", address); err == nil {
		return addr
	}
	return &net.TCPAddr{}
}

var errKeyCaptured = errors.New("host key captured")

// scanHostKey performs just enough of a handshake to learn the server key.
// An empty algorithms list accepts whatever the server prefers.
func scanHostKey(ctx context.Context, address string, timeout time.Duration, algorithms []string) (ssh.PublicKey, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	var captured ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User: "vmdeploy-keyscan",
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			captured = key
			return errKeyCaptured
		},
		HostKeyAlgorithms: algorithms,
		Timeout:           timeout,
	}
	_, _, _, err = ssh.NewClientConn(conn, address, cfg)
	if captured != nil {
		return captured, nil
	}
	if err == nil {
		err = errors.New("no host key offered")
	}
	return nil, fmt.Errorf("scan host key of %s: %w", address, err)
}
