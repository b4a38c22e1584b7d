// Package commands implements the inloop CLI subcommands.
package commands

import (
	"path/filepath"

	"github.com/uesteibar/inloop/internal/client"
	"github.com/uesteibar/inloop/internal/config"
)

// Flags holds the global flag values. Config is loaded by the root command's
// Before hook and is nil until then.
type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	Addr       string

	Config *config.Config
}

// DefaultConfigPath returns the config path used when --config is not set.
func DefaultConfigPath() string {
	p, err := config.DefaultPath()
	if err != nil {
		return "config.yaml"
	}
	return p
}

// ConfigDir is the directory holding the config and credentials files.
func (f *Flags) ConfigDir() string {
	return filepath.Dir(f.ConfigPath)
}

func (f *Flags) client() *client.Client {
	return client.New(f.Config.Addr)
}
