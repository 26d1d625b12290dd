package sender

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"wxsend/internal/domain"
	"wxsend/internal/fetch"
	"wxsend/internal/journal"
	"wxsend/internal/metrics"
)

// fileState is a step of one file send. error is absorbing.
type fileState string

const (
	stateResolving  fileState = "resolving"
	stateReady      fileState = "ready"
	stateDelivering fileState = "delivering"
	stateCleaning   fileState = "cleaning"
	stateDone       fileState = "done"
	stateError      fileState = "error"
)

const (
	cleanupDone     = "done"
	cleanupDeferred = "deferred"
)

// WarnCaptionFailed is added when the file went out but its caption did not.
const WarnCaptionFailed = "caption_failed"

// fileRun carries one invocation through the states.
type fileRun struct {
	s     *Service
	state fileState
	file  *fetch.File
}

func (r *fileRun) enter(st fileState) {
	r.state = st
	r.s.logger.Debug("file send state", "state", string(st))
}

// SendFile resolves the source once, waits for the local file to become
// readable, delivers it to each target, and always cleans up.
func (s *Service) SendFile(ctx context.Context, req domain.FileRequest) domain.Result {
	targets, batch, err := s.targetsFor(req.ToType, req.ToID, req.ToIDs)
	if err != nil {
		return domain.Failure(err)
	}
	src := fetch.Source{URL: req.URL, Filename: req.Filename, Inline: req.FileData}
	if src.Empty() {
		return domain.Failure(domain.Errorf(domain.KindInvalidRequest, opSendFile, "url or fileData is required"))
	}

	run := &fileRun{s: s}

	run.enter(stateResolving)
	f, err := s.resolver.Resolve(ctx, src)
	if err != nil {
		run.enter(stateError)
		s.logger.Warn("file resolution failed", "err", err, "kind", domain.KindOf(err))
		metrics.RecordSend(opSendFile, false)
		res := domain.Failure(err)
		if !batch {
			res.Target = targets[0]
		}
		return res
	}
	run.file = f

	res := run.deliver(ctx, req, targets, batch)

	run.enter(stateCleaning)
	if s.cleanup(ctx, f.Path) {
		res.Cleanup = cleanupDone
	} else {
		res.Cleanup = cleanupDeferred
		metrics.CleanupDeferred.Inc()
	}
	if res.Success {
		run.enter(stateDone)
	} else {
		run.enter(stateError)
	}

	res.Filename = f.Name
	res.FileSize = f.Size
	res.Warnings = append(append([]string(nil), f.Warnings...), res.Warnings...)
	return res
}

// deliver covers the ready and delivering states.
func (r *fileRun) deliver(ctx context.Context, req domain.FileRequest, targets []string, batch bool) domain.Result {
	s, f := r.s, r.file

	r.enter(stateReady)
	if err := s.waitReadable(ctx, f.Path); err != nil {
		s.logger.Warn("file never became readable", "file", f.Name, "err", err)
		metrics.RecordSend(opSendFile, false)
		res := domain.Failure(err)
		if !batch {
			res.Target = targets[0]
		}
		return res
	}

	r.enter(stateDelivering)
	s.logger.Info("delivering file", "file", f.Name, "size", humanize.Bytes(uint64(f.Size)), "targets", len(targets))

	var (
		res      domain.Result
		warnings []string
	)
	sendOne := func(ctx context.Context, who string) (string, error) {
		_, err := timedCall(opSendFile, func() (struct{}, error) { return struct{}{}, s.auto.SendFile(ctx, who, f.Path) })
		if err != nil {
			return "", err
		}
		if req.Caption != "" {
			_, cerr := timedCall(opSendText, func() (struct{}, error) { return struct{}{}, s.auto.SendText(ctx, who, req.Caption) })
			if cerr != nil {
				s.logger.Warn("caption send failed", "target", who, "err", cerr)
				warnings = append(warnings, WarnCaptionFailed+":"+who)
				return "file sent, caption failed", nil
			}
		}
		return "file sent", nil
	}

	err := s.withSession(ctx, func(ctx context.Context) error {
		if batch {
			base := journal.Entry{Operation: opSendFile, Filename: f.Name, FileSize: f.Size}
			res = s.batchResult(s.runBatch(ctx, base, targets, req.BatchOptions, sendOne))
			return nil
		}

		who := targets[0]
		msg, err := sendOne(ctx, who)
		s.record(ctx, journal.Entry{Operation: opSendFile, Target: who, Success: err == nil,
			ErrorKind: domain.KindOf(err), Detail: errString(err), Filename: f.Name, FileSize: f.Size})
		metrics.RecordSend(opSendFile, err == nil)
		if err != nil {
			return err
		}
		res = domain.Result{Success: true, Message: msg, Target: who, Timestamp: s.now()}
		return nil
	})
	if err != nil {
		s.logger.Warn("file delivery failed", "file", f.Name, "err", err, "kind", domain.KindOf(err))
		res = domain.Failure(err)
		if !batch {
			res.Target = targets[0]
		}
	}
	res.Warnings = warnings
	return res
}

// waitReadable polls until path can be opened and one byte read.
func (s *Service) waitReadable(ctx context.Context, path string) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.ReadyPollAttempts; attempt++ {
		if lastErr = readOneByte(path); lastErr == nil {
			return nil
		}
		s.logger.Debug("file not readable yet", "attempt", attempt, "of", s.opts.ReadyPollAttempts, "err", lastErr)
		if attempt < s.opts.ReadyPollAttempts {
			if err := s.sleep(ctx, s.opts.ReadyPollInterval); err != nil {
				return domain.Wrap(domain.KindOf(err), "ready", err)
			}
		}
	}
	return domain.Errorf(domain.KindFileLocked, "ready", "file is locked or unreadable after %d attempts: %v",
		s.opts.ReadyPollAttempts, lastErr)
}

func readOneByte(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var b [1]byte
	if _, err := f.Read(b[:]); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// cleanup removes path with bounded retries and reports whether it is gone.
// It runs to completion even when ctx has been canceled.
func (s *Service) cleanup(ctx context.Context, path string) bool {
	ctx = context.WithoutCancel(ctx)
	for attempt := 1; attempt <= s.opts.CleanupAttempts; attempt++ {
		s.sleep(ctx, s.opts.CleanupDelay)
		err := s.remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("temporary file removed", "path", path)
			return true
		}
		s.logger.Debug("cleanup attempt failed", "attempt", attempt, "err", err)
		if attempt < s.opts.CleanupAttempts {
			s.sleep(ctx, s.opts.CleanupRetryDelay)
			continue
		}
		s.logger.Warn("temporary file left behind", "path", path, "err", err)
	}
	return false
}
