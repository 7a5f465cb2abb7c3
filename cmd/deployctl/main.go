package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/deploygate/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

const defaultAPIBaseURL = "http://localhost:4000"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	apiBase string
	json    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "deployctl",
		Short:         "deployctl - operator CLI for the deploygate API",
		Version:       strings.TrimSpace(buildVersion),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.apiBase, "api", "", "API base URL (overrides the saved config)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Always print JSON output")

	root.AddCommand(
		newLoginCommand(opts),
		newTokenCommand(opts),
		newAppsCommand(opts),
		newDeployCommand(opts),
		newListCommand(opts),
		newGetCommand(opts),
		newDecisionCommand(opts, "approve", "Approve a deployment waiting at the approval gate"),
		newDecisionCommand(opts, "reject", "Reject a deployment waiting at the approval gate"),
		newDecisionCommand(opts, "cancel", "Cancel a deployment that has not started"),
		newRollbackCommand(opts),
		newEventsCommand(opts),
	)
	return root
}

// client builds an API client from the saved config and global flags.
func (o *globalOptions) client() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(o.apiBase) != "" {
		cfg.APIBaseURL = o.apiBase
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("please login first using 'deployctl login'")
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(token))
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv("DEPLOYCTL_CONFIG")); path != "" {
		return path, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deployctl", "config.json"), nil
}
