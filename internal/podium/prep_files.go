package podium

import (
	"fmt"
	"io"
	"os"
)

// openAgentBinary and openAgentConfig open the local files Podium ships
// to every newly-added host, split out so tests can substitute byte
// buffers instead of real files.
func (c Config) openAgentBinary() (io.Reader, func(), error) {
	return openConfiguredFile(c.AgentBinaryPath, "agent binary")
}

func (c Config) openAgentConfig() (io.Reader, func(), error) {
	return openConfiguredFile(c.AgentConfigPath, "agent config")
}

func openConfiguredFile(path, what string) (io.Reader, func(), error) {
	if path == "" {
		return nil, nil, fmt.Errorf("no local %s path configured", what)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", what, err)
	}
	return f, func() { f.Close() }, nil
}
