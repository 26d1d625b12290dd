package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"wxsend/internal/automation"
	"wxsend/internal/config"
	"wxsend/internal/domain"
)

var version = "0.3.0"

// exitInterrupted is the conventional status for a run ended by SIGINT.
const exitInterrupted = 130

func main() {
	c := newCLI(os.Stdin, os.Stdout, os.Stderr)
	os.Exit(c.execute(context.Background(), os.Args[1:]))
}

// cli holds the global flags and the process streams. Standard output only
// ever carries the single JSON result of an operation command.
type cli struct {
	configPath string
	envFile    string
	verbose    bool
	strictExit bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	newAutomation func(cfg *config.Config, logger *slog.Logger) domain.Automation
}

func newCLI(stdin io.Reader, stdout, stderr io.Writer) *cli {
	return &cli{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		newAutomation: func(cfg *config.Config, logger *slog.Logger) domain.Automation {
			return automation.New(automation.OptionsFromConfig(cfg), logger)
		},
	}
}

// exitError carries a process exit status out of a command.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func (c *cli) execute(ctx context.Context, args []string) int {
	root := c.rootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)

	var ee *exitError
	switch {
	case errors.As(err, &ee):
		return ee.code
	case err != nil:
		fmt.Fprintln(c.stderr, "Error:", err)
		return 1
	}
	return 0
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wxsend",
		Short: "wxsend: send WeChat PC messages and files from scripts and workflows",
		Long: `wxsend drives the WeChat desktop client through the wxauto UI-automation
library. Every operation prints exactly one JSON object on standard output.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadEnvFile()
		},
	}
	root.SetIn(c.stdin)
	root.SetOut(c.stderr)
	root.SetErr(c.stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.wxsend/config.json)")
	pf.StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before the config is expanded")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "mirror all log records to stderr")
	pf.BoolVar(&c.strictExit, "strict-exit", false, "exit 1 when the operation result is a failure")

	root.AddCommand(c.jsonUsage(c.statusCmd()))
	root.AddCommand(c.jsonUsage(c.contactsCmd()))
	root.AddCommand(c.jsonUsage(c.sendTextCmd()))
	root.AddCommand(c.jsonUsage(c.sendFileCmd()))
	root.AddCommand(c.serveCmd())
	root.AddCommand(c.historyCmd())
	root.AddCommand(c.initCmd())
	root.AddCommand(c.configCmd())
	root.AddCommand(c.doctorCmd())
	return root
}

// loadEnvFile loads the dotenv file if present. Variables already set in
// the environment win.
func (c *cli) loadEnvFile() error {
	if c.envFile == "" {
		return nil
	}
	if _, err := os.Stat(c.envFile); err != nil {
		return nil
	}
	if err := godotenv.Load(c.envFile); err != nil {
		return fmt.Errorf("load %s: %w", c.envFile, err)
	}
	return nil
}

// resolveConfigPath returns the config path from --config flag or default.
func (c *cli) resolveConfigPath() string {
	if c.configPath != "" {
		return config.ExpandPath(c.configPath)
	}
	return config.DefaultConfigPath()
}

// writeResult prints res as one JSON line.
func writeResult(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, `{"success":false,"error":%q,"error_kind":"internal"}`+"\n", err.Error())
	}
}

// finish prints res and maps it to the process exit status.
func (c *cli) finish(res domain.Result, interrupted bool) error {
	writeResult(c.stdout, res)
	switch {
	case interrupted:
		return &exitError{code: exitInterrupted}
	case res.Success:
		return nil
	case res.ErrorKind == domain.KindInvalidRequest || c.strictExit:
		return &exitError{code: 1}
	}
	return nil
}

// jsonUsage makes cmd report argument and flag errors as an
// invalid_request result on stdout instead of plain text on stderr.
func (c *cli) jsonUsage(cmd *cobra.Command) *cobra.Command {
	validate := cmd.Args
	if validate == nil {
		validate = cobra.ArbitraryArgs
	}
	cmd.Args = func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return c.invalid("%v", err)
		}
		return nil
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return c.invalid("%v", err)
	})
	return cmd
}

func (c *cli) invalid(format string, args ...any) error {
	return c.finish(domain.Failure(domain.Errorf(domain.KindInvalidRequest, "args", format, args...)), false)
}
