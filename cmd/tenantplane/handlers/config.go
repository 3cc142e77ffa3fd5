// Package handlers implements the command logic behind the CLI commands.
package handlers

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/imamik/tenantplane/internal/config"
)

// Factory function variables - can be replaced in tests.
var (
	loadConfig = config.LoadFile
)

// ValidateConfig loads and validates the configuration at configPath and
// writes it to out as YAML with secret values masked.
func ValidateConfig(configPath string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	if _, err := fmt.Fprintf(out, "# %s is valid\n%s", configPath, data); err != nil {
		return err
	}
	return nil
}
