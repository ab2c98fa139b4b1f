package sshprep

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal in-process SSH server accepting password
// auth and "exec" requests: each requested command is recorded, and for
// "cat > <path>" uploads the session's stdin is captured under that path.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	commands []string
	uploads  map[string][]byte
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	key, err := generateTestHostKey()
	if err != nil {
		t.Fatalf("generate test host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(key)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &testSSHServer{listener: ln, config: config, uploads: make(map[string][]byte)}
	go s.serve()
	return s
}

// generateTestHostKey produces a throwaway RSA host key for the test
// server; no fixed key material is embedded in the repo.
func generateTestHostKey() (ssh.Signer, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	return ssh.ParsePrivateKey(pem.EncodeToMemory(block))
}

func (s *testSSHServer) addr() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String() + ":" + portOf(s.listener.Addr())
}

func portOf(addr net.Addr) string {
	_, port, _ := net.SplitHostPort(addr.String())
	return port
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *testSSHServer) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *testSSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		cmd := string(req.Payload[4:])
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		if upload, path, ok := parseUploadCmd(cmd); ok {
			var buf bytes.Buffer
			io.Copy(&buf, channel)
			s.mu.Lock()
			s.uploads[path] = buf.Bytes()
			s.mu.Unlock()
			_ = upload
		}

		req.Reply(true, nil)
		channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
		return
	}
}

// parseUploadCmd recognizes "cat > <path>" as PutFile generates it.
func parseUploadCmd(cmd string) (bool, string, bool) {
	const prefix = "cat > "
	if len(cmd) > len(prefix) && cmd[:len(prefix)] == prefix {
		return true, cmd[len(prefix):], true
	}
	return false, "", false
}

func (s *testSSHServer) commandsRun() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testSSHServer) uploadedContent(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.uploads[path]
	return b, ok
}

func TestHost_RunCommand(t *testing.T) {
	srv := newTestSSHServer(t)
	defer srv.listener.Close()

	host, err := Dial(srv.addr(), "root", "password", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer host.Close()

	if _, err := host.RunCommand("echo hello"); err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if cmds := srv.commandsRun(); len(cmds) != 1 || cmds[0] != "echo hello" {
		t.Fatalf("unexpected commands recorded: %v", cmds)
	}
}

func TestHost_PutFile(t *testing.T) {
	srv := newTestSSHServer(t)
	defer srv.listener.Close()

	host, err := Dial(srv.addr(), "root", "password", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer host.Close()

	content := []byte("agent binary bytes")
	if err := host.PutFile(bytes.NewReader(content), BinaryDestPath); err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}

	got, ok := srv.uploadedContent(BinaryDestPath)
	if !ok {
		t.Fatalf("expected upload to %s", BinaryDestPath)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("uploaded content mismatch: got %q want %q", got, content)
	}
}

func TestCleanup_RunsBestEffort(t *testing.T) {
	srv := newTestSSHServer(t)
	defer srv.listener.Close()

	host, err := Dial(srv.addr(), "root", "password", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer host.Close()

	Cleanup(host, true)

	cmds := srv.commandsRun()
	if len(cmds) != 1+len(DBFiles) {
		t.Fatalf("expected %d commands, got %d: %v", 1+len(DBFiles), len(cmds), cmds)
	}
}
