// Command factoryd is the build factory supervisor. `factoryd daemon` runs
// the supervisor process; every other subcommand talks to it over the Unix
// socket in the factory directory.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/buildfactory/factoryd/internal/daemon"
	"github.com/buildfactory/factoryd/internal/model"
	"github.com/buildfactory/factoryd/internal/uds"
)

var (
	factoryDir string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "factoryd",
		Short:         "Supervisor for long-running agent build pipelines",
		Long:          "factoryd launches coding-agent pipelines in tmux sessions, watches their logs for progress markers, enforces quality gates, and survives restarts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&factoryDir, "dir", defaultFactoryDir(), "factory directory (state, logs, socket)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(newDaemonCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newAnswerCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newAbandonCommand())
	rootCmd.AddCommand(newEnginesCommand())
	rootCmd.AddCommand(newShutdownCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultFactoryDir() string {
	if dir := os.Getenv("FACTORYD_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".factoryd"
	}
	return filepath.Join(home, ".factoryd")
}

func newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the supervisor daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(factoryDir, 0755); err != nil {
				return fmt.Errorf("create factory dir: %w", err)
			}
			cfg, err := daemon.LoadConfig(factoryDir)
			if err != nil {
				return err
			}
			d, err := daemon.New(factoryDir, cfg)
			if err != nil {
				return err
			}
			return d.Run()
		},
	}
}

func newStartCommand() *cobra.Command {
	var engineName, requirements, requirementsFile string
	cmd := &cobra.Command{
		Use:   "start <project>",
		Short: "Start a pipeline run for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if requirementsFile != "" {
				data, err := os.ReadFile(requirementsFile)
				if err != nil {
					return fmt.Errorf("read requirements file: %w", err)
				}
				requirements = string(data)
			}
			data, err := call("start", daemon.StartParams{
				Project:      args[0],
				Engine:       engineName,
				Requirements: requirements,
			})
			if err != nil {
				return err
			}
			return printSnapshot(data)
		},
	}
	cmd.Flags().StringVarP(&engineName, "engine", "e", "", "agent engine (claude, gemini, opencode, aider)")
	cmd.Flags().StringVarP(&requirements, "requirements", "r", "", "requirements text seeded into the project")
	cmd.Flags().StringVarP(&requirementsFile, "requirements-file", "f", "", "file with requirements text")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call("status", daemon.RunParams{RunID: args[0]})
			if err != nil {
				return err
			}
			return printSnapshot(data)
		},
	}
}

func newListCommand() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call("list", daemon.ListParams{State: state})
			if err != nil {
				return err
			}
			return printRunList(data)
		},
	}
	cmd.Flags().StringVarP(&state, "state", "s", "", "filter by run state")
	return cmd
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a run and kill its agent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call("stop", daemon.RunParams{RunID: args[0]})
			if err != nil {
				return err
			}
			return printSnapshot(data)
		},
	}
}

func newAnswerCommand() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "answer <run-id> <clarification-id>",
		Short: "Answer a pending clarification question",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("--message is required")
			}
			data, err := call("answer", daemon.AnswerParams{
				RunID:           args[0],
				ClarificationID: args[1],
				Answer:          message,
			})
			if err != nil {
				return err
			}
			return printSnapshot(data)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "answer text delivered to the agent")
	return cmd
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an escalated run after human intervention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call("resume", daemon.RunParams{RunID: args[0]})
			if err != nil {
				return err
			}
			return printSnapshot(data)
		},
	}
}

func newAbandonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <run-id>",
		Short: "Abandon an escalated run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call("abandon", daemon.RunParams{RunID: args[0]})
			if err != nil {
				return err
			}
			return printSnapshot(data)
		},
	}
}

func newEnginesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "Show agent engine availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call("engines", nil)
			if err != nil {
				return err
			}
			return printEngines(data)
		},
	}
}

func newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to shut down gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call("shutdown", nil); err != nil {
				return err
			}
			fmt.Println("Daemon shutting down. Agent sessions keep running and are re-attached on the next start.")
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the factoryd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("factoryd %s\n", daemon.Version)
		},
	}
}

// call sends one command to the daemon and returns the response data.
func call(command string, params any) (json.RawMessage, error) {
	client := uds.NewClient(filepath.Join(factoryDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil, fmt.Errorf("daemon returned failure without detail")
	}
	return resp.Data, nil
}

func printSnapshot(data json.RawMessage) error {
	if jsonOutput {
		return printJSON(data)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	renderSnapshot(os.Stdout, snap)
	return nil
}

func printRunList(data json.RawMessage) error {
	if jsonOutput {
		return printJSON(data)
	}
	var snaps []model.Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	renderRunList(os.Stdout, snaps)
	return nil
}

func printJSON(data json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(data, &buf); err != nil {
		return err
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
