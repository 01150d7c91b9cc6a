package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jelmer/ctrlproxy/internal/config"
	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/jelmer/ctrlproxy/internal/security"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "ctrlproxy.ini"
	}
	return filepath.Join(dir, "ctrlproxy", "ctrlproxy.ini")
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logFile    string
		verbose    bool
	)

	root := &cobra.Command{
		Use:          "ctrlproxy",
		Short:        "ctrlproxy keeps you connected to IRC while your clients come and go",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
				if err != nil {
					return fmt.Errorf("failed to open log file: %w", err)
				}
				logger.SetOutput(f)
			}
			if verbose {
				logger.SetLevel(zerolog.DebugLevel)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			keychain := security.NewKeychain()
			cfg, err := config.Load(configPath, keychain)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if !verbose {
				logger.SetLevel(logger.ParseLevel(cfg.Global.LogLevel))
			}

			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			err = app.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "configuration file")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newPasswordCmd())
	return root
}

// newPasswordCmd stores secrets that the config refers to as keyring:ACCOUNT
func newPasswordCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "password ACCOUNT",
		Short: "Store a password in the OS keychain, read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keychain := security.NewKeychain()
			if remove {
				return keychain.DeletePassword(args[0])
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if err := keychain.StorePassword(args[0], strings.TrimRight(line, "\r\n")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored; use password = keyring:%s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "delete", false, "remove the password instead")
	return cmd
}
