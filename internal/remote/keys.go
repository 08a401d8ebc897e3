package remote

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// PassphraseFunc supplies the passphrase of an encrypted private key.
type PassphraseFunc func() ([]byte, error)

// LoadSigner parses the private key at path. Encrypted keys are decrypted
// with the passphrase returned by passphrase, which may be nil.
func LoadSigner(path string, passphrase PassphraseFunc) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if passphrase == nil {
		return nil, fmt.Errorf("private key %s is encrypted and no passphrase was provided", path)
	}
	secret, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("read key passphrase: %w", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, secret)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return signer, nil
}
