package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags locate a running proxy's admin API
type APIFlags struct {
	APIUrl     string
	Token      string
	APITimeout time.Duration
}

// SendFlags describe one command to submit
type SendFlags struct {
	APIFlags
	Channel    string
	User       string
	ThreadID   string
	Input      string
	Args       []string
	Stdin      string
	PID        int
	Env        []string
	Heuristics []string
}

type HistoryFlags struct {
	APIFlags
	Limit int
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createSendCommand(globalFlags),
		createPSCommand(),
		createHistoryCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sysproxy",
		Short: "Bridge chat commands to PTY-backed processes",
		Long: `sysproxy runs programs on behalf of a chat bot. Persistent programs are bound
to a conversation thread and their output is relayed back to it; one-shot
commands run to completion and reply once.

Examples:
  sysproxy serve --config=sysproxy.toml
  sysproxy send create --thread=1700000000.000100 --input="python3 -i"
  sysproxy send write --thread=1700000000.000100 --input="> print(1)"
  sysproxy ps --api-url=http://127.0.0.1:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "admin API base URL (e.g. http://127.0.0.1:8080/api)")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv("SYSPROXY_HTTP_TOKEN"), "admin API bearer token")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the proxy",
		Long: `Run the proxy until interrupted or until a quit command arrives.
Configuration comes from the config file and SYSPROXY_* environment variables.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path)
		},
	}
}

func createSendCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &SendFlags{}
	cmd := &cobra.Command{
		Use:   "send <create|write|ps|kill|quit>",
		Short: "Submit a command to a running proxy",
		Long: `Submit a command over the admin API when --api-url is given, otherwise
publish it on the NATS subject from the config.

Examples:
  sysproxy send create --arg=uname --arg=-a
  sysproxy send create --thread=T1 --input=/usr/games/adventure --heuristic=width=72
  sysproxy send kill --pid=4242`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), globalFlags.ConfigPath, args[0], *f, cmd.OutOrStdout())
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().StringVar(&f.Channel, "channel", "cli", "origin channel")
	cmd.Flags().StringVar(&f.User, "user", os.Getenv("USER"), "origin user")
	cmd.Flags().StringVar(&f.ThreadID, "thread", "", "conversation thread id")
	cmd.Flags().StringVar(&f.Input, "input", "", "command line (create) or input text (write)")
	cmd.Flags().StringArrayVar(&f.Args, "arg", nil, "argument vector entry for create (repeatable)")
	cmd.Flags().StringVar(&f.Stdin, "stdin", "", "stdin for a one-shot create")
	cmd.Flags().IntVar(&f.PID, "pid", 0, "process id for kill")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "KEY=VALUE for the child (repeatable)")
	cmd.Flags().StringArrayVar(&f.Heuristics, "heuristic", nil, "output transform name=value, applied in order (repeatable)")
	return cmd
}

func createPSCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List live persistent processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPS(cmd.Context(), *f, cmd.OutOrStdout())
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createHistoryCommand() *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent process lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), *f, cmd.OutOrStdout())
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events")
	return cmd
}
