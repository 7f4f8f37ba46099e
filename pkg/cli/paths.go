package cli

import (
	"os"
	"path/filepath"
)

// Paths resolves the voxchat directory layout under the user's home.
type Paths struct {
	// HomeDir is the user's home directory
	HomeDir string
}

// NewPaths creates a new Paths instance
func NewPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{HomeDir: home}, nil
}

// BaseDir returns the base voxchat directory (~/.voxchat)
func (p *Paths) BaseDir() string {
	return filepath.Join(p.HomeDir, DefaultBaseDir)
}

// ConfigFile returns the config file path (~/.voxchat/config.yaml)
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.BaseDir(), DefaultConfigFile)
}

// HistoryDir returns the conversation history directory (~/.voxchat/history)
func (p *Paths) HistoryDir() string {
	return filepath.Join(p.BaseDir(), "history")
}

// EnsureBaseDir creates the base directory if it doesn't exist
func (p *Paths) EnsureBaseDir() error {
	return os.MkdirAll(p.BaseDir(), 0755)
}

// EnsureHistoryDir creates the history directory if it doesn't exist
func (p *Paths) EnsureHistoryDir() error {
	return os.MkdirAll(p.HistoryDir(), 0755)
}
