package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/poelstra/mhub-sub000/pkg/client"
)

var (
	cfgFile   string
	brokerURL string
	username  string
	password  string
	insecure  bool
	timeout   time.Duration
)

// NewRootCmd returns the root command for the mhub CLI
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mhub",
		Short:         "Command-line client for the MHub message broker",
		Long:          "Command-line client for the MHub message broker: publish messages, follow subscriptions and measure round trips.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mhub/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&brokerURL, "url", "", "broker URL (default ws://localhost:13900/)")
	rootCmd.PersistentFlags().StringVar(&username, "user", "", "username to login with")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "password to login with")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-command timeout")

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newSubscribeCmd())
	rootCmd.AddCommand(newPingCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.mhub")
			viper.SetConfigName("config")
		}
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MHUB")
	viper.AutomaticEnv()

	// Ignore missing config
	_ = viper.ReadInConfig()
}

// resolveURL applies flag > env/config > default precedence.
func resolveURL() string {
	if brokerURL != "" {
		return brokerURL
	}
	if fromConfig := viper.GetString("url"); fromConfig != "" {
		return fromConfig
	}
	return "ws://localhost:13900/"
}

func resolveCredentials() (string, string) {
	user, pass := username, password
	if user == "" {
		user = viper.GetString("user")
	}
	if pass == "" {
		pass = viper.GetString("password")
	}
	return user, pass
}

// connect dials the broker and logs in when credentials are configured.
func connect(ctx context.Context) (*client.Client, error) {
	c, err := client.Dial(ctx, client.Config{
		URL:      resolveURL(),
		Insecure: insecure,
	})
	if err != nil {
		return nil, err
	}
	if user, pass := resolveCredentials(); user != "" {
		if err := c.Login(ctx, user, pass); err != nil {
			c.Close()
			return nil, fmt.Errorf("login: %w", err)
		}
	}
	return c, nil
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
