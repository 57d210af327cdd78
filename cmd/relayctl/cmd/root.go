package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/task_relay/internal/config"
	"github.com/austindbirch/task_relay/internal/eventqueue"
	"github.com/austindbirch/task_relay/internal/logging"
	"github.com/austindbirch/task_relay/internal/node"
)

var (
	cfgFile    string
	timeout    time.Duration
	outputJSON bool
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Task relay CLI - produce and watch task event streams",
	Long: `Task relay CLI (relayctl) joins a task relay cluster as a short-lived node.

It uses the same configuration as relayd (YAML file and TASK_RELAY_* env vars),
so it must point at the shared registry and relay stores to see other nodes'
tasks. With the memory providers it only sees its own process.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "relay config file (default is $HOME/.relayctl.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout for connecting to the stores")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for the embedded node")

	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := home + "/.relayctl.yaml"
			if _, err := os.Stat(candidate); err == nil {
				cfgFile = candidate
			}
		}
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err == nil {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
	viper.SetEnvPrefix("RELAYCTL")
	viper.AutomaticEnv()

	// Override global variables with config values if flags weren't explicitly set
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !rootCmd.PersistentFlags().Changed("log-level") {
		if l := viper.GetString("log-level"); l != "" {
			logLevel = l
		}
	}
}

// startNode joins the cluster described by the relay config. Tests swap it.
var startNode = func(ctx context.Context) (*node.Node, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithLevel("relayctl", logging.ParseLevel(logLevel))
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return node.Start(connectCtx, cfg, logger)
}

// withNode runs fn against a fresh node and closes it afterwards, releasing
// any lease the command took.
func withNode(ctx context.Context, fn func(n *node.Node) error) error {
	n, err := startNode(ctx)
	if err != nil {
		return fmt.Errorf("failed to join relay cluster: %w", err)
	}
	err = fn(n)
	if cerr := n.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = fmt.Errorf("failed to leave relay cluster: %w", cerr)
	}
	return err
}

// printEvent writes one event as a JSON line or a short human line
func printEvent(w io.Writer, e eventqueue.Event) error {
	if outputJSON {
		return json.NewEncoder(w).Encode(e)
	}
	switch {
	case e.State != "" && e.Text != "":
		_, err := fmt.Fprintf(w, "[%s] %s: %s\n", e.Kind, e.State, e.Text)
		return err
	case e.State != "":
		_, err := fmt.Fprintf(w, "[%s] %s\n", e.Kind, e.State)
		return err
	default:
		_, err := fmt.Fprintf(w, "[%s] %s\n", e.Kind, e.Text)
		return err
	}
}

// printOutput prints v as indented JSON or with %v
func printOutput(w io.Writer, v any) {
	if outputJSON {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintf(w, "%v\n", v)
}
