// Package credentials resolves provider tokens from a profile file and the
// environment, and reloads them when the file changes.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the credentials file inside the config directory.
const FileName = "credentials.yaml"

type Credentials struct {
	GithubToken string
	SlackToken  string

	// GitHub App authentication (alternative to GithubToken).
	GithubAppClientID       string
	GithubAppInstallationID int64
	GithubAppPrivateKeyPath string
}

// HasGithub reports whether any GitHub authentication is configured.
func (c Credentials) HasGithub() bool {
	return c.GithubToken != "" || c.HasGithubApp()
}

// HasGithubApp returns true if GitHub App credentials are configured.
func (c Credentials) HasGithubApp() bool {
	return c.GithubAppClientID != "" && c.GithubAppInstallationID != 0 && c.GithubAppPrivateKeyPath != ""
}

type profileEntry struct {
	GithubToken             string `yaml:"github_token"`
	SlackToken              string `yaml:"slack_token"`
	GithubAppClientID       string `yaml:"github_app_client_id"`
	GithubAppInstallationID int64  `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

type credentialsFile struct {
	DefaultProfile string                  `yaml:"default_profile"`
	Profiles       map[string]profileEntry `yaml:"profiles"`
}

// Resolve returns Credentials for the given profile name with precedence:
// env vars (GITHUB_TOKEN, SLACK_TOKEN) > named profile > default profile.
// If profileName is empty, the default_profile from the file is used. A
// missing file is not an error unless a profile was requested; providers
// without credentials are simply unavailable.
func Resolve(configDir, profileName string) (Credentials, error) {
	envGithub := os.Getenv("GITHUB_TOKEN")
	envSlack := os.Getenv("SLACK_TOKEN")

	filePath := filepath.Join(configDir, FileName)
	data, err := os.ReadFile(filePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Credentials{}, fmt.Errorf("reading credentials file: %w", err)
		}
		if profileName != "" {
			return Credentials{}, fmt.Errorf("credentials file not found: %s", filePath)
		}
		return Credentials{GithubToken: envGithub, SlackToken: envSlack}, nil
	}

	var cf credentialsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials file: %w", err)
	}

	if profileName == "" {
		profileName = cf.DefaultProfile
	}

	var profile profileEntry
	if profileName != "" {
		var ok bool
		if profile, ok = cf.Profiles[profileName]; !ok {
			return Credentials{}, fmt.Errorf("profile %q not found in %s", profileName, filePath)
		}
	}

	if err := validateGithubAppFields(profile); err != nil {
		return Credentials{}, fmt.Errorf("profile %q: %w", profileName, err)
	}

	creds := Credentials{
		GithubToken:             profile.GithubToken,
		SlackToken:              profile.SlackToken,
		GithubAppClientID:       profile.GithubAppClientID,
		GithubAppInstallationID: profile.GithubAppInstallationID,
		GithubAppPrivateKeyPath: profile.GithubAppPrivateKeyPath,
	}

	if envSlack != "" {
		creds.SlackToken = envSlack
	}
	// GITHUB_TOKEN env var overrides both token and app auth.
	if envGithub != "" {
		creds.GithubToken = envGithub
		creds.GithubAppClientID = ""
		creds.GithubAppInstallationID = 0
		creds.GithubAppPrivateKeyPath = ""
	}

	return creds, nil
}

// validateGithubAppFields checks that if any github_app_* field is set, all
// three are.
func validateGithubAppFields(p profileEntry) error {
	var missing []string
	if p.GithubAppClientID == "" {
		missing = append(missing, "github_app_client_id")
	}
	if p.GithubAppInstallationID == 0 {
		missing = append(missing, "github_app_installation_id")
	}
	if p.GithubAppPrivateKeyPath == "" {
		missing = append(missing, "github_app_private_key_path")
	}
	if len(missing) > 0 && len(missing) < 3 {
		return fmt.Errorf("incomplete GitHub App config, missing: %v", missing)
	}
	return nil
}
