// Package fetch turns a file reference (remote URL or inline base64 payload)
// into exactly one local file in the scratch directory.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"wxsend/internal/config"
	"wxsend/internal/domain"
)

// WarnInsecureTLS is attached to a result whose download needed the
// unverified TLS retry.
const WarnInsecureTLS = "insecure_tls_fallback"

// maxUniqueAttempts bounds regeneration of a colliding local name.
const maxUniqueAttempts = 5

var errReadIdle = errors.New("read timed out")

// Options configures a Resolver.
type Options struct {
	ScratchDir             string
	ConnectTimeout         time.Duration
	ReadTimeout            time.Duration
	InsecureConnectTimeout time.Duration
	InsecureReadTimeout    time.Duration
	ChunkSize              int
	MaxSize                int64 // 0 = unlimited
	UserAgent              string
}

// OptionsFromConfig maps the download section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	d := cfg.Download
	return Options{
		ScratchDir:             cfg.General.ScratchDir,
		ConnectTimeout:         time.Duration(d.ConnectTimeoutSeconds) * time.Second,
		ReadTimeout:            time.Duration(d.ReadTimeoutSeconds) * time.Second,
		InsecureConnectTimeout: time.Duration(d.InsecureConnectTimeoutSeconds) * time.Second,
		InsecureReadTimeout:    time.Duration(d.InsecureReadTimeoutSeconds) * time.Second,
		ChunkSize:              d.ChunkSize,
		MaxSize:                d.MaxSizeBytes,
		UserAgent:              d.UserAgent,
	}
}

// Source names where a file comes from. Inline wins when both are set.
type Source struct {
	URL      string
	Filename string
	Inline   *domain.InlineFile
}

// Empty reports whether the source names nothing to fetch.
func (s Source) Empty() bool {
	return strings.TrimSpace(s.URL) == "" && (s.Inline == nil || s.Inline.Data == "")
}

// File is a resolved local file. The caller owns Path and must remove it.
type File struct {
	Path     string
	Name     string // sanitized display name, without the unique prefix
	Size     int64
	Warnings []string
}

// Resolver downloads or decodes file sources into the scratch directory.
type Resolver struct {
	opts     Options
	client   *http.Client
	insecure *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver creates a resolver. Zero option values take the usual defaults.
func NewResolver(opts Options, logger *slog.Logger) *Resolver {
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.InsecureConnectTimeout <= 0 {
		opts.InsecureConnectTimeout = 15 * time.Second
	}
	if opts.InsecureReadTimeout <= 0 {
		opts.InsecureReadTimeout = 60 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		opts:     opts,
		client:   newHTTPClient(opts.ConnectTimeout, opts.ReadTimeout, false),
		insecure: newHTTPClient(opts.InsecureConnectTimeout, opts.InsecureReadTimeout, true),
		logger:   logger,
		now:      time.Now,
	}
}

// ScratchDir returns the directory resolved files are written to.
func (r *Resolver) ScratchDir() string { return r.opts.ScratchDir }

// Resolve materializes src as a local file that is fully written and synced.
func (r *Resolver) Resolve(ctx context.Context, src Source) (*File, error) {
	switch {
	case src.Inline != nil && src.Inline.Data != "":
		return r.resolveInline(src.Inline)
	case strings.TrimSpace(src.URL) != "":
		return r.download(ctx, strings.TrimSpace(src.URL), src.Filename)
	default:
		return nil, domain.Errorf(domain.KindInvalidRequest, "resolve", "no file source: url or fileData is required")
	}
}

func (r *Resolver) download(ctx context.Context, rawURL, declared string) (*File, error) {
	f, err := r.get(ctx, r.client, r.opts.ReadTimeout, rawURL, declared)
	if err == nil || !isTLSError(err) || ctx.Err() != nil {
		return f, err
	}

	r.logger.Warn("TLS verification failed, retrying once without verification",
		"url", rawURL, "err", err)
	f, retryErr := r.get(ctx, r.insecure, r.opts.InsecureReadTimeout, rawURL, declared)
	if retryErr != nil {
		if domain.KindOf(retryErr) == domain.KindNetwork {
			return nil, domain.Wrap(domain.KindTLS, "download",
				fmt.Errorf("%w (insecure retry also failed: %v)", err, retryErr))
		}
		return nil, retryErr
	}
	f.Warnings = append(f.Warnings, WarnInsecureTLS)
	return f, nil
}

func (r *Resolver) get(ctx context.Context, client *http.Client, readTimeout time.Duration, rawURL, declared string) (*File, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalidRequest, "download", err)
	}
	if r.opts.UserAgent != "" {
		req.Header.Set("User-Agent", r.opts.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, r.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.Errorf(domain.KindNetwork, "download", "unexpected status %s", resp.Status)
	}

	name := Sanitize(ChooseName(declared, dispositionName(resp.Header.Get("Content-Disposition")),
		rawURL, resp.Header.Get("Content-Type")))

	timer := time.AfterFunc(readTimeout, func() { cancel(errReadIdle) })
	defer timer.Stop()
	body := &idleReader{r: resp.Body, timer: timer, idle: readTimeout}

	path, size, err := r.writeUnique(name, body)
	if err != nil {
		if context.Cause(reqCtx) == errReadIdle {
			return nil, domain.Wrap(domain.KindNetwork, "download", errReadIdle)
		}
		var tagged *domain.Error
		if !errors.As(err, &tagged) {
			return nil, r.transportError(ctx, err)
		}
		return nil, err
	}

	r.logger.Info("file downloaded", "url", rawURL, "name", name, "size", humanize.Bytes(uint64(size)))
	return &File{Path: path, Name: name, Size: size}, nil
}

// transportError classifies a request or body-read failure.
func (r *Resolver) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return domain.Wrap(domain.KindOf(ctx.Err()), "download", err)
	}
	return domain.Wrap(domain.KindNetwork, "download", err)
}

func (r *Resolver) resolveInline(in *domain.InlineFile) (*File, error) {
	data, mimeType := splitDataURL(strings.TrimSpace(in.Data))
	if in.MimeType != "" {
		mimeType = in.MimeType
	}

	raw, ok := decodeBase64(data)
	if !ok {
		r.logger.Debug("inline data is not base64, using raw bytes", "len", len(in.Data))
		raw = []byte(in.Data)
	}

	name := Sanitize(ChooseInlineName(in.FileName, mimeType))
	path, size, err := r.writeUnique(name, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	r.logger.Info("inline file written", "name", name, "size", humanize.Bytes(uint64(size)))
	return &File{Path: path, Name: name, Size: size}, nil
}

// writeUnique streams src into a new file named <unix>_<hex8>_<name> in the
// scratch directory, then syncs and closes it.
func (r *Resolver) writeUnique(name string, src io.Reader) (string, int64, error) {
	if err := os.MkdirAll(r.opts.ScratchDir, 0o755); err != nil {
		return "", 0, domain.Wrap(domain.KindFilesystem, "write", fmt.Errorf("create scratch dir: %w", err))
	}

	ts := r.now().Unix()
	var (
		f    *os.File
		path string
		err  error
	)
	for attempt := 0; attempt <= maxUniqueAttempts; attempt++ {
		unique := fmt.Sprintf("%d_%s_%s", ts, shortID(), name)
		if attempt > 0 {
			unique = fmt.Sprintf("%d_%s_%d_%s", ts, shortID(), attempt, name)
		}
		path = filepath.Join(r.opts.ScratchDir, unique)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil || !os.IsExist(err) {
			break
		}
	}
	if err != nil {
		return "", 0, domain.Wrap(domain.KindFilesystem, "write", fmt.Errorf("create file: %w", err))
	}

	size, err := r.copyChunks(f, src)
	if err == nil {
		err = f.Sync()
		if err != nil {
			err = domain.Wrap(domain.KindFilesystem, "write", fmt.Errorf("sync file: %w", err))
		}
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = domain.Wrap(domain.KindFilesystem, "write", fmt.Errorf("close file: %w", cerr))
	}
	if err != nil {
		os.Remove(path)
		return "", 0, err
	}
	return path, size, nil
}

// copyChunks copies src to dst in ChunkSize pieces, enforcing MaxSize.
// Read errors come back untagged so the caller can classify them.
func (r *Resolver) copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, r.opts.ChunkSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			written += int64(n)
			if r.opts.MaxSize > 0 && written > r.opts.MaxSize {
				return written, domain.Errorf(domain.KindFilesystem, "write",
					"file too large: exceeds %s", humanize.IBytes(uint64(r.opts.MaxSize)))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, domain.Wrap(domain.KindFilesystem, "write", werr)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// idleReader pushes the idle deadline forward on every read.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.idle)
	}
	return n, err
}

// splitDataURL strips a "data:<mime>;base64," prefix and returns its MIME type.
func splitDataURL(s string) (data, mimeType string) {
	if !strings.HasPrefix(s, "data:") {
		return s, ""
	}
	i := strings.IndexByte(s, ',')
	if i < 0 {
		return s, ""
	}
	meta := s[len("data:"):i]
	if j := strings.IndexByte(meta, ';'); j >= 0 {
		meta = meta[:j]
	}
	return s[i+1:], meta
}

// decodeBase64 tries standard then URL-safe alphabets, tolerating missing
// padding and embedded whitespace.
func decodeBase64(s string) ([]byte, bool) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', ' ':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, false
	}
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, true
		}
	}
	return nil, false
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// isTLSError reports whether err is a certificate or handshake failure.
func isTLSError(err error) bool {
	var (
		verr *tls.CertificateVerificationError
		uerr x509.UnknownAuthorityError
		herr x509.HostnameError
		cerr x509.CertificateInvalidError
		rerr tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &uerr), errors.As(err, &herr),
		errors.As(err, &cerr), errors.As(err, &rerr):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "x509: ") || strings.Contains(msg, "tls: ")
}
