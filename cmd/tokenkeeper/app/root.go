// Package app implements the tokenkeeper command line.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is injected at build time
var Version = "dev"

// NewRootCmd creates the tokenkeeper root command.
func NewRootCmd() *cobra.Command {
	v := newViper()

	rootCmd := &cobra.Command{
		Use:   "tokenkeeper",
		Short: "Delegated OAuth2 token lifecycle manager",
		Long: `tokenkeeper signs users in with the OAuth2 authorization code flow (PKCE),
keeps their access tokens fresh in the background and calls a downstream API
on their behalf without further interaction.`,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "Path to a configuration file (yaml, json or toml)")
	pf.String("log-level", "info", "Log level: debug, info, warn or error")
	pf.String("log-format", "text", "Log format: text or json")
	if err := v.BindPFlags(pf); err != nil {
		panic(fmt.Sprintf("failed to bind flags: %v", err))
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("tokenkeeper %s\n", Version)
		},
	}
}

// newLogger builds the process logger from the log-level and log-format settings.
func newLogger(v *viper.Viper, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", v.GetString("log-level"))
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", v.GetString("log-format"))
	}
}
