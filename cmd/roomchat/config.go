package main

import (
	"fmt"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage roomchat configuration",
	Long:  "View or modify the roomchat CLI configuration stored in ~/.roomchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if *cfg == (Config{}) {
			fmt.Fprintln(cmd.OutOrStdout(), "No configuration found. Run 'roomchat init <base-url>' to create one.")
			return nil
		}
		data, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		value, err := configValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: roomchat config set default.debounce 500ms",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown, _ := configValue(cfg, key)
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		return nil
	},
}

// renderConfig encodes cfg as TOML with the bearer token masked.
func renderConfig(cfg *Config) ([]byte, error) {
	masked := *cfg
	if masked.Auth.Token != "" {
		masked.Auth.Token = maskKey(masked.Auth.Token)
	}
	data, err := toml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("cannot render config: %w", err)
	}
	return data, nil
}

// configValue reads a field by the same dot-notation keys setConfigValue
// accepts. The token is masked.
func configValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.base_url":
		return cfg.Default.BaseURL, nil
	case "default.debounce":
		return cfg.Default.Debounce, nil
	case "default.optimistic":
		return strconv.FormatBool(cfg.Default.Optimistic), nil
	case "auth.token":
		return maskKey(cfg.Auth.Token), nil
	case "auth.user_id":
		return cfg.Auth.UserID, nil
	case "auth.username":
		return cfg.Auth.Username, nil
	}
	// Reuse the setter's diagnostics for malformed or unknown keys.
	if err := setConfigValue(&Config{}, key, ""); err != nil {
		return "", err
	}
	return "", fmt.Errorf("unknown config key %q", key)
}
