// Command jeeves is a thin cobra wrapper over the Run Manager: it
// wires configuration, the default subprocess spawner, and an
// in-process broadcast logger, then exposes run/stop/status/set-issue
// as subcommands. It carries none of the core's logic itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jeeves/internal/config"
	"jeeves/internal/logging"
	"jeeves/internal/model"
	"jeeves/internal/runmanager"
	"jeeves/internal/store"
)

var (
	cfgFile  string
	debug    bool
	quiet    bool
	issueRef string

	rootCmd = &cobra.Command{
		Use:   "jeeves",
		Short: "Issue-oriented agent orchestrator",
		Long:  "jeeves drives a per-issue workflow state machine by invoking an external runner subprocess in isolated git worktrees.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Initialize(debug, quiet)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml, else $XDG_CONFIG_HOME/jeeves/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress info-level logging")
	rootCmd.PersistentFlags().StringVar(&issueRef, "issue", "", "issue reference, owner/repo#n")

	rootCmd.AddCommand(runCmd, stopCmd, statusCmd, setIssueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newManager constructs a Run Manager from the resolved config, a real
// subprocess spawner that execs the runner binary on PATH, and a
// broadcast callback that logs every event through the global logger.
func newManager() (*runmanager.Manager, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	st := store.New()
	broadcast := func(event string, data any) {
		payload, _ := json.Marshal(data)
		logging.With("event", event).Info(string(payload))
	}

	return runmanager.New(cfg.PromptsDir, cfg.WorkflowsDir, cfg.RepoRoot, cfg.DataDir, st, spawnRunner, broadcast), nil
}

// spawnRunner execs the "runner" binary resolved from PATH, or from
// JEEVES_RUNNER_PATH when set, matching the wire-level contract of
// spec.md's runner invocation.
func spawnRunner(ctx context.Context, args []string, env []string, cwd string) *exec.Cmd {
	bin := os.Getenv("JEEVES_RUNNER_PATH")
	if bin == "" {
		bin = "runner"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = env
	cmd.Dir = cwd
	return cmd
}

func currentManager() (*runmanager.Manager, model.IssueRef, error) {
	m, err := newManager()
	if err != nil {
		return nil, model.IssueRef{}, err
	}
	if issueRef == "" {
		return m, model.IssueRef{}, fmt.Errorf("--issue is required")
	}
	ref, err := model.ParseIssueRef(issueRef)
	if err != nil {
		return nil, model.IssueRef{}, err
	}
	return m, ref, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Select an issue and start its run loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, ref, err := currentManager()
		if err != nil {
			return err
		}
		if err := m.SetIssue(ref); err != nil {
			return err
		}

		providerName, _ := cmd.Flags().GetString("provider")
		workflow, _ := cmd.Flags().GetString("workflow")
		quick, _ := cmd.Flags().GetBool("quick")
		maxIter, _ := cmd.Flags().GetFloat64("max-iterations")

		params := runmanager.StartParams{Provider: providerName, Workflow: workflow, Quick: quick}
		if cmd.Flags().Changed("max-iterations") {
			params.MaxIterations = &maxIter
		}

		if err := m.Start(context.Background(), params); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logging.Info("run started", "issue", ref.String())
		for {
			select {
			case <-ctx.Done():
				m.Stop(runmanager.StopParams{Force: true})
				return nil
			case <-time.After(time.Second):
				status := m.GetStatus()
				if !status.Running {
					fmt.Println(status.CompletionReason)
					return nil
				}
			}
		}
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active run for the selected issue",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, ref, err := currentManager()
		if err != nil {
			return err
		}
		if err := m.SetIssue(ref); err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		m.Stop(runmanager.StopParams{Force: force})
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the active run's status as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, ref, err := currentManager()
		if err != nil {
			return err
		}
		if err := m.SetIssue(ref); err != nil {
			return err
		}
		out, err := json.MarshalIndent(m.GetStatus(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var setIssueCmd = &cobra.Command{
	Use:   "set-issue",
	Short: "Validate and select an issue's state directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, ref, err := currentManager()
		if err != nil {
			return err
		}
		return m.SetIssue(ref)
	},
}

func init() {
	runCmd.Flags().String("provider", "claude", "runner provider")
	runCmd.Flags().String("workflow", "", "workflow override")
	runCmd.Flags().Bool("quick", false, "use the quick-fix workflow")
	runCmd.Flags().Float64("max-iterations", 10, "maximum loop iterations")
	stopCmd.Flags().Bool("force", false, "forcefully kill any live child")
}
