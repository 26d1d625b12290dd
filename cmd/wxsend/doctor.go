package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"wxsend/internal/automation"
	"wxsend/internal/logging"
)

type doctor struct {
	c                      *cli
	passed, failed, warned int
}

func (d *doctor) pass(check, detail string) {
	fmt.Fprintf(d.c.stdout, "  [PASS] %-20s %s\n", check, detail)
	d.passed++
}

func (d *doctor) fail(check, detail string) {
	fmt.Fprintf(d.c.stdout, "  [FAIL] %-20s %s\n", check, detail)
	d.failed++
}

func (d *doctor) warn(check, detail string) {
	fmt.Fprintf(d.c.stdout, "  [WARN] %-20s %s\n", check, detail)
	d.warned++
}

func (c *cli) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wxsend installation",
		Long: `Verifies that wxsend's configuration, Python runtime, wxauto library,
state database and gateway port are correctly set up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &doctor{c: c}
			out := c.stdout
			cfgPath := c.resolveConfigPath()
			fmt.Fprintf(out, "wxsend doctor v%s\n", version)
			fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				d.warn("Config file", fmt.Sprintf("not found at %s, using defaults (run 'wxsend init')", cfgPath))
			} else {
				d.pass("Config file", cfgPath)
			}

			// 2. Config loads and validates
			cfg, err := c.loadConfig()
			if err != nil {
				d.fail("Config validation", err.Error())
				return d.summary()
			}
			d.pass("Config validation", "valid")

			// 3. Workspace and scratch directories
			if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
				d.fail("Workspace", err.Error())
			} else {
				d.pass("Workspace", cfg.General.Workspace)
			}
			scratch := cfg.General.ScratchDir
			if scratch == "" {
				scratch = os.TempDir()
			}
			if err := checkWritableDir(scratch); err != nil {
				d.fail("Scratch dir", err.Error())
			} else {
				d.pass("Scratch dir", scratch)
			}

			// 4. Python interpreter and wxauto
			python, err := exec.LookPath(cfg.Automation.PythonPath)
			if err != nil {
				d.fail("Python", fmt.Sprintf("%q not found on PATH", cfg.Automation.PythonPath))
			} else {
				d.pass("Python", python)
				if err := checkImport(cmd.Context(), python, "wxauto"); err != nil {
					d.warn("wxauto", "not importable: pip install wxauto ("+err.Error()+")")
				} else {
					d.pass("wxauto", "importable")
				}
			}

			// 5. Helper script
			helper, err := automation.New(automation.OptionsFromConfig(cfg), logging.Discard()).EnsureHelper()
			if err != nil {
				d.fail("Helper script", err.Error())
			} else {
				d.pass("Helper script", helper)
			}

			// 6. State databases
			if cfg.Lock.Enabled {
				if err := checkDatabase(cfg.Lock.DBPath); err != nil {
					d.fail("Session lock db", err.Error())
				} else {
					d.pass("Session lock db", cfg.Lock.DBPath)
				}
			} else {
				d.warn("Session lock", "disabled; concurrent runs may drive the client at once")
			}
			if cfg.Journal.Enabled {
				if err := checkDatabase(cfg.Journal.DBPath); err != nil {
					d.fail("Journal db", err.Error())
				} else {
					d.pass("Journal db", cfg.Journal.DBPath)
				}
			}

			// 7. Gateway
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				d.warn("Gateway port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				d.pass("Gateway port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}
			if cfg.Server.APIKey == "" && os.Getenv(apiKeyEnv) == "" {
				d.warn("Gateway API key", "not set; 'wxsend serve' will refuse to start")
			} else {
				d.pass("Gateway API key", "configured")
			}

			// 8. Log file
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					d.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					d.pass("Log file", cfg.General.LogFile)
				}
			}

			return d.summary()
		},
	}
}

func (d *doctor) summary() error {
	out := d.c.stdout
	fmt.Fprintf(out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
	if d.failed > 0 {
		fmt.Fprintf(out, "\nPlease fix the failed checks before running wxsend.\n")
		return &exitError{code: 1}
	}
	if d.warned > 0 {
		fmt.Fprintf(out, "\nwxsend should work but consider fixing the warnings.\n")
	} else {
		fmt.Fprintf(out, "\nAll checks passed! wxsend is ready to run.\n")
	}
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".wxsend_doctor_*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkImport(ctx context.Context, python, module string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, python, "-c", "import "+module).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return err
		}
		lines := strings.Split(msg, "\n")
		return fmt.Errorf("%s", lines[len(lines)-1])
	}
	return nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
