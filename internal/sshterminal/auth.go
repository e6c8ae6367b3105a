package sshterminal

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gluk-w/claworc/ssh-service/internal/sshkeys"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// authMethods builds the SSH auth methods for a request. The returned closer
// releases the agent connection, if any, and must be called once the
// handshake has finished.
func authMethods(req ConnectRequest, agentSocket string) ([]ssh.AuthMethod, io.Closer, error) {
	switch req.AuthMode() {
	case AuthPrivateKey:
		signer, err := sshkeys.ParsePrivateKey([]byte(req.PrivateKey), req.Passphrase)
		if err != nil {
			return nil, nil, newFailure(KindAuthentication, "invalid private key", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nopCloser{}, nil

	case AuthPassword:
		return []ssh.AuthMethod{
			ssh.Password(req.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = req.Password
				}
				return answers, nil
			}),
		}, nopCloser{}, nil

	default:
		if agentSocket == "" {
			return nil, nil, newFailure(KindAuthentication, "no credentials",
				errors.New("no password or private key supplied and no SSH agent available"))
		}
		conn, err := net.Dial("unix", agentSocket)
		if err != nil {
			return nil, nil, newFailure(KindAuthentication, "ssh agent unavailable", fmt.Errorf("dial %s: %w", agentSocket, err))
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, conn, nil
	}
}
