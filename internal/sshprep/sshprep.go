// Package sshprep implements host preparation and cleanup over SSH
// (§4.13): copying the agent binary and config to a remote host, starting
// its service, and tearing both down again.
package sshprep

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Remote paths the agent binary, config, and systemd unit are installed
// to, matching the original's NodePrep constants.
const (
	BinaryDestPath  = "/usr/local/bin/lydian-agent"
	ConfigDestPath  = "/etc/lydian/lydian.conf"
	ServiceDestPath = "/etc/systemd/system/lydian-agent.service"
)

// DBFiles are the local SQLite files cleanup_node removes from the
// remote host, mirroring NodePrep.DB_FILES.
var DBFiles = []string{"params.db", "rules.db", "traffic.db"}

const (
	connectRetryLimit = 5
	connectRetrySleep = 2 * time.Second
	sessionTimeout    = 30 * time.Second
)

// Host is an SSH-connected remote endpoint with the minimum surface
// needed for host prep: upload a file, run a command, ignore command
// failure where the original does.
type Host struct {
	addr   string
	client *ssh.Client
}

// Dial connects to addr as user (on port 22 unless addr already carries
// a port), retrying up to connectRetryLimit
// times on failure (mirrors Host.ssh_connect's reconnect loop). Either
// password or an already-parsed signer may be supplied.
func Dial(addr, user, password string, signer ssh.Signer) (*Host, error) {
	auth := []ssh.AuthMethod{}
	if signer != nil {
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sessionTimeout,
	}

	target := addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		target = net.JoinHostPort(addr, "22")
	}

	var client *ssh.Client
	var lastErr error
	for attempt := 0; attempt < connectRetryLimit; attempt++ {
		client, lastErr = ssh.Dial("tcp", target, cfg)
		if lastErr == nil {
			return &Host{addr: addr, client: client}, nil
		}
		time.Sleep(connectRetrySleep)
	}
	return nil, fmt.Errorf("connect to %s: %w", addr, lastErr)
}

// Close closes the underlying SSH connection.
func (h *Host) Close() error { return h.client.Close() }

// RunCommand executes cmd on the remote host and returns combined
// stdout. A nonzero exit status is returned as an error, matching
// req_call's ValueError-on-nonzero-exit behavior.
func (h *Host) RunCommand(cmd string) (string, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session on %s: %w", h.addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(cmd); err != nil {
		return "", fmt.Errorf("%s on %s: %w (stderr: %s)", cmd, h.addr, err, stderr.String())
	}
	return stdout.String(), nil
}

// runIgnoreError runs cmd and discards any failure, matching
// NodePrep.run_ignore_error (used for best-effort cleanup steps).
func (h *Host) runIgnoreError(cmd string) {
	h.RunCommand(cmd)
}

// PutFile uploads the contents read from src to path on the remote host,
// via a shell "cat > path" pipe rather than a separate SFTP subsystem.
func (h *Host) PutFile(src io.Reader, path string) error {
	session, err := h.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session on %s: %w", h.addr, err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe to %s: %w", h.addr, err)
	}

	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Start(fmt.Sprintf("cat > %s", path)); err != nil {
		return fmt.Errorf("start upload to %s: %w", h.addr, err)
	}

	if _, err := io.Copy(stdin, src); err != nil {
		stdin.Close()
		return fmt.Errorf("write %s on %s: %w", path, h.addr, err)
	}
	stdin.Close()

	if err := session.Wait(); err != nil {
		return fmt.Errorf("upload %s to %s: %w (stderr: %s)", path, h.addr, err, stderr.String())
	}
	return nil
}

// Prep copies the agent binary and config to host and starts its
// service, mirroring NodePrep.prep_node's copy_egg/copy_config/service
// start sequence.
func Prep(host *Host, binary, config io.Reader) error {
	if _, err := host.RunCommand("mkdir -p /etc/lydian"); err != nil {
		return fmt.Errorf("prep remote dirs: %w", err)
	}
	if err := host.PutFile(binary, BinaryDestPath); err != nil {
		return fmt.Errorf("copy agent binary: %w", err)
	}
	if _, err := host.RunCommand(fmt.Sprintf("chmod +x %s", BinaryDestPath)); err != nil {
		return fmt.Errorf("chmod agent binary: %w", err)
	}
	if err := host.PutFile(config, ConfigDestPath); err != nil {
		return fmt.Errorf("copy agent config: %w", err)
	}
	if _, err := host.RunCommand("systemctl restart lydian-agent"); err != nil {
		return fmt.Errorf("start agent service: %w", err)
	}
	return nil
}

// Cleanup stops the remote service and, if removeDB is set, deletes its
// local SQLite files, mirroring NodePrep.cleanup_node/cleanup_db. Each
// step is best-effort: failures don't stop the rest from running.
func Cleanup(host *Host, removeDB bool) {
	host.runIgnoreError("systemctl stop lydian-agent")
	if !removeDB {
		return
	}
	for _, dbFile := range DBFiles {
		host.runIgnoreError(fmt.Sprintf("rm -f %s*", dbFile))
	}
}
