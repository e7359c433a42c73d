package sftp

import (
	"errors"
	"os"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultConnectionTimeout = 30 * time.Second

// NewClientConfig builds the ssh client configuration of an sftp storage system.
func NewClientConfig(settings *config.SftpSettings) (*ssh.ClientConfig, error) {
	authMethods := []ssh.AuthMethod{}
	if settings.PrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(settings.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		var signer ssh.Signer
		if settings.Password.Value() != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(settings.Password.Value()))
		} else {
			signer, err = ssh.ParsePrivateKey(pemBytes)
		}
		if err != nil {
			return nil, err
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	} else if settings.Password.Value() != "" {
		authMethods = append(authMethods, ssh.Password(settings.Password.Value()))
	}
	if len(authMethods) == 0 {
		return nil, errors.New("sftp storage system needs a password or a private key")
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case settings.KnownHostsPath != "":
		callback, err := knownhosts.New(settings.KnownHostsPath)
		if err != nil {
			return nil, err
		}
		hostKeyCallback = callback
	case settings.InsecureIgnoreHostKey:
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("sftp storage system needs knownHostsPath or insecureIgnoreHostKey")
	}

	timeout := settings.ConnectionTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultConnectionTimeout
	}
	return &ssh.ClientConfig{
		User:            settings.User.Value(),
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}
