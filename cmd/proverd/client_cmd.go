package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/proverd/api"
	proverdclient "pkt.systems/proverd/client"
	"pkt.systems/pslog"
)

const envClientServer = "PROVERD_CLIENT_SERVER"

type clientCLIConfig struct {
	server   string
	timeout  time.Duration
	retries  int
	logLevel string
	verbose  bool
}

func (c *clientCLIConfig) newClient() (*proverdclient.Client, error) {
	server := c.server
	if env := os.Getenv(envClientServer); env != "" && server == defaultClientServer {
		server = env
	}
	return proverdclient.New(server,
		proverdclient.WithLogger(c.logger()),
		proverdclient.WithTimeout(c.timeout),
		proverdclient.WithRetries(c.retries),
	)
}

func (c *clientCLIConfig) logger() pslog.Logger {
	level := c.logLevel
	if c.verbose {
		level = "trace"
	}
	if level == "" || strings.EqualFold(level, "none") {
		return pslog.NoopLogger()
	}
	logger := pslog.NewStructured(os.Stderr)
	if parsed, ok := pslog.ParseLevel(level); ok {
		logger = logger.LogLevel(parsed)
	}
	return logger
}

const defaultClientServer = "http://127.0.0.1:9474"

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running proverd gateway",
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.server, "server", defaultClientServer, "proverd gateway base URL (env "+envClientServer+")")
	flags.DurationVar(&cfg.timeout, "timeout", proverdclient.DefaultTimeout, "HTTP request timeout")
	flags.IntVar(&cfg.retries, "retries", proverdclient.DefaultRetries, "retry budget for retryable failures")
	flags.StringVar(&cfg.logLevel, "log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "enable verbose (trace) client logging")

	cmd.AddCommand(
		newClientHealthCommand(cfg),
		newClientLoginCommand(cfg),
		newClientStartCommand(cfg),
		newClientRunCommand(cfg),
		newClientGoalsCommand(cfg),
		newClientTOCCommand(cfg),
	)
	return cmd
}

func newClientHealthCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report pool health from a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.newClient()
			if err != nil {
				return err
			}
			resp, err := cli.Health(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd, resp); err != nil {
				return err
			}
			if !resp.Healthy {
				return fmt.Errorf("gateway unhealthy: %d of %d workers ready", resp.Ready, resp.Total)
			}
			return nil
		},
	}
}

func newClientLoginCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a session pinned to the least loaded worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.newClient()
			if err != nil {
				return err
			}
			resp, err := cli.Login(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func newClientStartCommand(cfg *clientCLIConfig) *cobra.Command {
	var (
		sessionID string
		filepath  string
		line      int
		character int
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start proving the theorem at a document position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.newClient()
			if err != nil {
				return err
			}
			resp, err := cli.Start(cmd.Context(), sessionID, api.TheoremRef{
				Filepath:  filepath,
				Line:      line,
				Character: character,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id from login")
	cmd.Flags().StringVar(&filepath, "file", "", "document path inside the prover workspace")
	cmd.Flags().IntVar(&line, "line", 1, "1-based theorem line")
	cmd.Flags().IntVar(&character, "char", 0, "0-based theorem column")
	markRequired(cmd, "session", "file")
	return cmd
}

func newClientRunCommand(cfg *clientCLIConfig) *cobra.Command {
	var (
		sessionID string
		stateJSON string
		tactic    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tactic against a proof state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := parseStateHandle(stateJSON)
			if err != nil {
				return err
			}
			cli, err := cfg.newClient()
			if err != nil {
				return err
			}
			resp, err := cli.Run(cmd.Context(), sessionID, state, tactic)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id from login")
	cmd.Flags().StringVar(&stateJSON, "state", "", "proof state handle as JSON (from a previous response)")
	cmd.Flags().StringVar(&tactic, "tactic", "", "tactic text to execute")
	markRequired(cmd, "session", "state", "tactic")
	return cmd
}

func newClientGoalsCommand(cfg *clientCLIConfig) *cobra.Command {
	var (
		sessionID string
		stateJSON string
	)
	cmd := &cobra.Command{
		Use:   "goals",
		Short: "List the open goals at a proof state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := parseStateHandle(stateJSON)
			if err != nil {
				return err
			}
			cli, err := cfg.newClient()
			if err != nil {
				return err
			}
			resp, err := cli.Goals(cmd.Context(), sessionID, state)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id from login")
	cmd.Flags().StringVar(&stateJSON, "state", "", "proof state handle as JSON (from a previous response)")
	markRequired(cmd, "session", "state")
	return cmd
}

func newClientTOCCommand(cfg *clientCLIConfig) *cobra.Command {
	var (
		sessionID string
		filepath  string
	)
	cmd := &cobra.Command{
		Use:   "toc",
		Short: "List the theorems and definitions in a document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.newClient()
			if err != nil {
				return err
			}
			resp, err := cli.TOC(cmd.Context(), sessionID, filepath)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id from login")
	cmd.Flags().StringVar(&filepath, "file", "", "document path inside the prover workspace")
	markRequired(cmd, "session", "file")
	return cmd
}

func parseStateHandle(raw string) (api.StateHandle, error) {
	var state api.StateHandle
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return api.StateHandle{}, fmt.Errorf("parse --state: %w", err)
	}
	if state.StateID == "" {
		return api.StateHandle{}, fmt.Errorf("parse --state: missing state_id")
	}
	return state, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func markRequired(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}
