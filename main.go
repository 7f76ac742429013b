package main

import (
	"agentrunner/config"
	"agentrunner/engine"
	"agentrunner/gitx"
	"agentrunner/locks"
	"agentrunner/log"
	"agentrunner/task"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"

	programFlag         string
	skipPermissionsFlag bool
	maxIterationsFlag   int
	busFlag             bool
	resumeFlag          string

	rootCmd = &cobra.Command{
		Use:   "agentrunner \"prompt\"",
		Short: "agentrunner - drives coding-agent CLI sessions to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(strings.Join(args, " "), false)
		},
	}

	featureCmd = &cobra.Command{
		Use:   "feature \"prompt\"",
		Short: "Run a task iteratively until it declares completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(strings.Join(args, " "), true)
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			configJson, _ := json.MarshalIndent(cfg, "", "  ")

			fmt.Printf("Config: %s\n%s\n", filepath.Join(configDir, config.ConfigFileName), configJson)
			return nil
		},
	}

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Pull then push the current branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			workDir, err := filepath.Abs(".")
			if err != nil {
				return fmt.Errorf("failed to get current directory: %w", err)
			}
			r, err := gitx.NewRunner(workDir)
			if err != nil {
				return fmt.Errorf("not inside a git repository: %w", err)
			}
			if err := r.Pull(); err != nil {
				return err
			}
			if err := r.Push(); err != nil {
				return err
			}
			branch, err := r.CurrentBranch()
			if err != nil {
				return err
			}
			fmt.Printf("Synced %s with origin\n", branch)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of agentrunner",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentrunner version %s\n", version)
		},
	}
)

// cliSink prints status transitions and lock conflicts to stderr so they
// interleave cleanly with the streamed output on stdout.
type cliSink struct{}

func (cliSink) OnStatusChange(t *task.Task, from, to task.Status) {
	fmt.Fprintf(os.Stderr, "[%s -> %s] %s\n", from, to, t.Title)
}

func (cliSink) OnConflict(c locks.Conflict) {
	fmt.Fprintf(os.Stderr, "[conflict] %s wants %s (%s) held by %s\n",
		c.RequestedBy, c.Path, c.ToolName, c.OwnedBy)
}

func runTask(prompt string, featureMode bool) error {
	log.Initialize()
	defer log.Close()

	workDir, err := filepath.Abs(".")
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	if !gitx.IsGitRepo(workDir) {
		return fmt.Errorf("error: agentrunner must be run from within a git repository")
	}

	cfg := config.LoadConfig()

	// Program flag overrides config
	program := cfg.DefaultProgram
	if programFlag != "" {
		program = programFlag
	}
	skipPermissions := cfg.SkipPermissions
	if skipPermissionsFlag {
		skipPermissions = true
	}
	maxIterations := cfg.MaxIterations
	if maxIterationsFlag > 0 {
		maxIterations = maxIterationsFlag
	}

	e := engine.New(cfg, cliSink{})
	e.Start()
	defer e.Stop()

	t, err := task.New(task.Options{
		Title:           firstLine(prompt),
		Prompt:          prompt,
		Program:         program,
		WorkDir:         workDir,
		SkipPermissions: skipPermissions,
		UseMessageBus:   busFlag,
		FeatureMode:     featureMode,
		MaxIterations:   maxIterations,
		OutputCap:       cfg.OutputBufferCap,
		ResumeSessionID: resumeFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	e.Submit(t)
	go followOutput(t)

	st := <-e.WaitTerminal(t.ID)
	// Give the follower a beat to flush the tail.
	time.Sleep(200 * time.Millisecond)
	printTail(t)

	if sid := t.GetSessionID(); sid != "" {
		if err := clipboard.WriteAll(sid); err != nil {
			log.WarningLog.Printf("failed to copy session id to clipboard: %v", err)
		} else {
			fmt.Fprintf(os.Stderr, "[session %s copied to clipboard]\n", sid)
		}
	}

	if st != task.Completed {
		return fmt.Errorf("task finished with status %s", st)
	}
	return nil
}

// followOutput tails the task's output buffer to stdout until the task is
// terminal. The buffer may shrink when it is trimmed between iterations; the
// cursor resets to the new length when that happens.
func followOutput(t *task.Task) {
	printed := 0
	for {
		s := t.Output.String()
		if len(s) < printed {
			printed = len(s)
		}
		if len(s) > printed {
			fmt.Print(s[printed:])
			printed = len(s)
		}
		if t.GetStatus().Terminal() {
			return
		}
		time.Sleep(300 * time.Millisecond)
	}
}

func printTail(t *task.Task) {
	// The follower exits on terminal status; print anything appended after
	// its last pass (the completion summary lands late).
	if tail := t.Output.Tail(2000); strings.Contains(tail, "=== Task finished ===") {
		idx := strings.Index(tail, "=== Task finished ===")
		fmt.Println(tail[idx:])
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 60 {
		s = s[:60]
	}
	return s
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, featureCmd} {
		c.Flags().StringVarP(&programFlag, "program", "p", "",
			"Agent CLI to run (e.g. 'claude')")
		c.Flags().BoolVar(&skipPermissionsFlag, "skip-permissions", false,
			"Pass the permission bypass flag to the agent CLI")
		c.Flags().BoolVar(&busFlag, "bus", false,
			"Announce this task on the shared message bus")
		c.Flags().StringVar(&resumeFlag, "resume", "",
			"Resume an existing agent session by id")
	}
	featureCmd.Flags().IntVar(&maxIterationsFlag, "max-iterations", 0,
		"Cap on feature-mode iterations (0 uses the configured default)")

	rootCmd.AddCommand(featureCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
