package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/cliproom/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cliproom",
		Short:        "Share text and one image between devices through a six-character room code",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newSweepCommand(),
		newCreateCommand(),
		newJoinCommand(),
		newWatchCommand(),
		newCopyCodeCommand(),
		newTextCommand(),
		newImageCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (defaults to ./.env when present)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("server-url", defaults.GetString("client.server_url"), "Room server base URL for client commands")
	cmd.PersistentFlags().Duration("request-timeout", defaults.GetDuration("client.request_timeout"), "Timeout for each backend call")

	bindFlag(cmd.PersistentFlags(), "log.level", "log-level")
	bindFlag(cmd.PersistentFlags(), "client.server_url", "server-url")
	bindFlag(cmd.PersistentFlags(), "client.request_timeout", "request-timeout")
}

func bindFlag(flags *pflag.FlagSet, key, flag string) {
	if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cliproom")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
