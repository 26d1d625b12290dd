// Package automation drives the desktop WeChat client through the wxauto
// helper script. Every call starts a fresh helper process; nothing is shared
// between calls.
package automation

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"wxsend/internal/config"
	"wxsend/internal/domain"
)

//go:embed wxauto_helper.py
var helperScript []byte

// HelperScript returns the embedded helper source.
func HelperScript() []byte { return helperScript }

// Runner starts name with args and returns its captured output.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// Options configures a Client.
type Options struct {
	PythonPath        string
	HelperPath        string
	ScratchDir        string // args files; default: OS temp dir
	CallTimeout       time.Duration
	ArgsFileThreshold int
	Runner            Runner // nil runs the real interpreter
}

// OptionsFromConfig maps the automation section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	helper := cfg.Automation.HelperPath
	if helper == "" {
		helper = filepath.Join(cfg.General.Workspace, "wxauto_helper.py")
	}
	return Options{
		PythonPath:        cfg.Automation.PythonPath,
		HelperPath:        helper,
		ScratchDir:        cfg.General.ScratchDir,
		CallTimeout:       time.Duration(cfg.Automation.CallTimeoutSeconds) * time.Second,
		ArgsFileThreshold: cfg.Automation.ArgsFileThreshold,
	}
}

// Client implements domain.Automation on top of the helper process.
type Client struct {
	opts   Options
	run    Runner
	logger *slog.Logger
}

var _ domain.Automation = (*Client)(nil)

// New creates a client. The helper script is written on first use.
func New(opts Options, logger *slog.Logger) *Client {
	if opts.PythonPath == "" {
		opts.PythonPath = "python"
	}
	if opts.HelperPath == "" {
		opts.HelperPath = filepath.Join(os.TempDir(), "wxauto_helper.py")
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	run := opts.Runner
	if run == nil {
		run = execRunner
	}
	return &Client{opts: opts, run: run, logger: logger}
}

// CurrentUser returns the logged-in session's display name.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	res, err := c.call(ctx, "check_login", nil)
	if err != nil {
		return "", err
	}
	user := strings.TrimSpace(res.Get("user").String())
	if user == "" {
		return "", domain.Errorf(domain.KindNotLoggedIn, "check_login", "no logged-in session")
	}
	return user, nil
}

// Contacts returns the friend list as display names.
func (c *Client) Contacts(ctx context.Context) ([]string, error) {
	res, err := c.call(ctx, "get_contacts", nil)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, v := range res.Get("contacts").Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			names = append(names, s)
		}
	}
	return names, nil
}

// SendText sends text to the chat named who.
func (c *Client) SendText(ctx context.Context, who, text string) error {
	_, err := c.call(ctx, "send_text", map[string]any{"who": who, "text": text})
	return err
}

// SendFile sends the local file at path to the chat named who.
func (c *Client) SendFile(ctx context.Context, who, path string) error {
	_, err := c.call(ctx, "send_file", map[string]any{"who": who, "path": path})
	return err
}

// EnsureHelper writes the helper script to HelperPath unless an identical
// copy is already there, and returns the path.
func (c *Client) EnsureHelper() (string, error) {
	path := c.opts.HelperPath
	if cur, err := os.ReadFile(path); err == nil && bytes.Equal(cur, helperScript) {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", domain.Wrap(domain.KindFilesystem, "helper", fmt.Errorf("create helper directory: %w", err))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, helperScript, 0o644); err != nil {
		return "", domain.Wrap(domain.KindFilesystem, "helper", fmt.Errorf("write helper: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", domain.Wrap(domain.KindFilesystem, "helper", fmt.Errorf("install helper: %w", err))
	}
	c.logger.Debug("helper script written", "path", path)
	return path, nil
}

// call runs one helper action under the call deadline and returns the
// parsed result object of a successful action.
func (c *Client) call(ctx context.Context, action string, args map[string]any) (gjson.Result, error) {
	helper, err := c.EnsureHelper()
	if err != nil {
		return gjson.Result{}, err
	}

	argv := []string{helper, action}
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return gjson.Result{}, domain.Wrap(domain.KindInternal, action, err)
		}
		if c.opts.ArgsFileThreshold > 0 && len(encoded) > c.opts.ArgsFileThreshold {
			path, err := c.writeArgsFile(encoded)
			if err != nil {
				return gjson.Result{}, domain.Wrap(domain.KindFilesystem, action, err)
			}
			defer os.Remove(path)
			argv = append(argv, "--args-file", path)
		} else {
			argv = append(argv, "--args", string(encoded))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, runErr := c.run(callCtx, c.opts.PythonPath, argv...)
	c.logger.Debug("helper finished", "action", action, "duration", time.Since(start).Round(time.Millisecond))

	switch {
	case ctx.Err() != nil:
		return gjson.Result{}, domain.Wrap(domain.KindOf(ctx.Err()), action, ctx.Err())
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return gjson.Result{}, domain.Errorf(domain.KindTimeout, action,
			"automation call timed out after %s", c.opts.CallTimeout)
	case errors.Is(runErr, exec.ErrNotFound):
		return gjson.Result{}, domain.Errorf(domain.KindDependencyMissing, action,
			"python interpreter %q not found", c.opts.PythonPath)
	}

	res, ok := lastJSONObject(stdout)
	if !ok {
		msg := strings.TrimSpace(tail(string(stderr), 500))
		if msg == "" && runErr != nil {
			msg = runErr.Error()
		}
		if msg == "" {
			msg = "helper produced no result"
		}
		return gjson.Result{}, &domain.Error{Kind: classify(msg, defaultKind(action)), Op: action, Err: errors.New(msg)}
	}

	if res.Get("success").Bool() {
		return res, nil
	}
	msg := res.Get("error").String()
	if msg == "" {
		msg = "automation call failed"
	}
	kind := domain.ErrorKind(res.Get("error_kind").String())
	if kind == "" {
		kind = classify(msg, defaultKind(action))
	}
	return gjson.Result{}, &domain.Error{Kind: kind, Op: action, Err: errors.New(msg)}
}

func (c *Client) writeArgsFile(encoded []byte) (string, error) {
	if err := os.MkdirAll(c.opts.ScratchDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	path := filepath.Join(c.opts.ScratchDir, "wxsend_args_"+uuid.NewString()+".json")
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return "", fmt.Errorf("write args file: %w", err)
	}
	return path, nil
}

// lastJSONObject returns the last stdout line that is a JSON object.
// Libraries that print to stdout before the result are tolerated.
func lastJSONObject(stdout []byte) (gjson.Result, bool) {
	lines := strings.Split(strings.ReplaceAll(string(stdout), "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") && gjson.Valid(line) {
			return gjson.Parse(line), true
		}
	}
	return gjson.Result{}, false
}

func defaultKind(action string) domain.ErrorKind {
	switch action {
	case "send_text", "send_file":
		return domain.KindDelivery
	default:
		return domain.KindClientUnavailable
	}
}

// classify guesses a kind from a free-form error message.
func classify(msg string, fallback domain.ErrorKind) domain.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no module named") && strings.Contains(lower, "wxauto"),
		strings.Contains(lower, "importerror"):
		return domain.KindDependencyMissing
	case strings.Contains(lower, "not logged in"), strings.Contains(msg, "未登录"):
		return domain.KindNotLoggedIn
	case strings.Contains(lower, "window") && strings.Contains(lower, "not found"),
		strings.Contains(lower, "not running"),
		strings.Contains(msg, "未找到微信"), strings.Contains(msg, "微信未启动"):
		return domain.KindClientUnavailable
	}
	return fallback
}

// tail keeps the last n bytes of s, moving forward to a rune start.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONUTF8=1")
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
