package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tiagoflino/capi/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or update the daemon configuration",
	}
	cmd.AddCommand(newConfigGetCmd(), newConfigSetCmd())
	return cmd
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [KEY]",
		Short: "Print the current configuration, or a single key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initRuntime(cmd.Context()); err != nil {
				return fmt.Errorf("initializing runtime: %w", err)
			}
			cfg := cfgStore.Get()
			if len(args) == 0 {
				cmd.Printf("bind_host: %s\n", cfg.BindHost)
				cmd.Printf("bind_port: %d\n", cfg.BindPort)
				cmd.Printf("device_preference: %s\n", cfg.DevicePreference)
				cmd.Printf("resource_mode: %s\n", cfg.ResourceMode)
				cmd.Printf("default_context_tokens: %d\n", cfg.DefaultContextTokens)
				cmd.Printf("auto_start: %t\n", cfg.AutoStart)
				cmd.Printf("idle_timeout_seconds: %d\n", cfg.IdleTimeoutSeconds)
				cmd.Printf("allowed_origins: %v\n", cfg.AllowedOrigins)
				return nil
			}

			val, err := configField(cfg, args[0])
			if err != nil {
				return err
			}
			cmd.Println(val)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Update a single configuration key and persist it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initRuntime(cmd.Context()); err != nil {
				return fmt.Errorf("initializing runtime: %w", err)
			}
			cfg := cfgStore.Get()
			if err := setConfigField(&cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := cfgStore.Set(cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			cmd.Printf("%s set to %s\n", args[0], args[1])
			return nil
		},
	}
}

func configField(cfg config.Config, key string) (string, error) {
	switch key {
	case "bind_host":
		return cfg.BindHost, nil
	case "bind_port":
		return strconv.Itoa(cfg.BindPort), nil
	case "device_preference":
		return string(cfg.DevicePreference), nil
	case "resource_mode":
		return string(cfg.ResourceMode), nil
	case "default_context_tokens":
		return strconv.Itoa(cfg.DefaultContextTokens), nil
	case "auto_start":
		return strconv.FormatBool(cfg.AutoStart), nil
	case "idle_timeout_seconds":
		return strconv.Itoa(cfg.IdleTimeoutSeconds), nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

func setConfigField(cfg *config.Config, key, value string) error {
	switch key {
	case "bind_host":
		cfg.BindHost = value
	case "bind_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("bind_port must be an integer: %w", err)
		}
		cfg.BindPort = port
	case "device_preference":
		cfg.DevicePreference = config.DevicePreference(value)
	case "resource_mode":
		cfg.ResourceMode = config.ResourceMode(value)
	case "default_context_tokens":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("default_context_tokens must be an integer: %w", err)
		}
		cfg.DefaultContextTokens = n
	case "auto_start":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("auto_start must be a boolean: %w", err)
		}
		cfg.AutoStart = b
	case "idle_timeout_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("idle_timeout_seconds must be an integer: %w", err)
		}
		cfg.IdleTimeoutSeconds = n
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}
