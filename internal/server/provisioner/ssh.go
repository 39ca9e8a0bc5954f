package provisioner

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/qaraxhq/qarax/internal/server/db"
)

const sshConnectTimeout = 15 * time.Second

// sshRunner executes deploy commands over an SSH session, authenticating
// with the request's password or private key.
type sshRunner struct{}

func (r *sshRunner) RunCommand(ctx context.Context, host db.Host, req DeployRequest, command string) error {
	user := strings.TrimSpace(host.SSHUser)
	if user == "" {
		return fmt.Errorf("ssh user required for host %s", host.ID)
	}

	var auth []ssh.AuthMethod
	if key := strings.TrimSpace(req.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return fmt.Errorf("parse ssh private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if req.Password != "" {
		auth = append(auth, ssh.Password(req.Password))
	}
	if len(auth) == 0 {
		return fmt.Errorf("no ssh authentication method provided")
	}

	port := req.SSHPort
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host.Address, strconv.Itoa(int(port)))

	config := &ssh.ClientConfig{
		User: user,
		Auth: auth,
		// Hosts live on the deployment's private network; key pinning
		// happens out of band.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshConnectTimeout,
	}

	dialer := net.Dialer{Timeout: sshConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() {
		output, runErr := session.CombinedOutput("sh -lc " + shellQuote(command))
		if runErr != nil {
			done <- fmt.Errorf("remote command failed: %w\noutput: %s", runErr, strings.TrimSpace(string(output)))
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}
