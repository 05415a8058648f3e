package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var defaultBlockedExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".scr", ".pif", ".vbs", ".vbe",
	".js", ".jse", ".wsf", ".wsh", ".msi", ".msp", ".jar", ".ps1", ".hta", ".cpl", ".reg",
}

// Policy is the optional YAML overlay for limits operators tend to tune
// without touching the environment.
type Policy struct {
	Attachments struct {
		MaxSizeBytes      int64    `yaml:"max_size_bytes"`
		AllowedMIMETypes  []string `yaml:"allowed_mime_types"`
		BlockedExtensions []string `yaml:"blocked_extensions"`
	} `yaml:"attachments"`
	WebSocket struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"websocket"`
}

func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	return &policy, nil
}

// Apply overrides only the fields the file sets.
func (p *Policy) Apply(c *Config) {
	if p.Attachments.MaxSizeBytes > 0 {
		c.MaxAttachmentSize = p.Attachments.MaxSizeBytes
	}
	if p.Attachments.AllowedMIMETypes != nil {
		c.AllowedMIMETypes = p.Attachments.AllowedMIMETypes
	}
	if p.Attachments.BlockedExtensions != nil {
		c.BlockedExtensions = p.Attachments.BlockedExtensions
	}
	if p.WebSocket.AllowedOrigins != nil {
		c.WSAllowedOrigins = p.WebSocket.AllowedOrigins
	}
}
