package sender

import (
	"context"
	"fmt"
	"strings"

	"wxsend/internal/domain"
	"wxsend/internal/journal"
	"wxsend/internal/metrics"
)

const (
	opSendText = "send_text"
	opSendFile = "send_file"
)

// targetsFor resolves the chat names a request addresses. The file helper
// kind always means the single fixed inbox, whatever ids were given.
func (s *Service) targetsFor(toType, toID string, toIDs []string) (names []string, batch bool, err error) {
	kind, err := domain.ParseTargetKind(toType)
	if err != nil {
		return nil, false, domain.Wrap(domain.KindInvalidRequest, "request", err)
	}
	if kind == domain.TargetFileHelper || len(toIDs) == 0 {
		return []string{domain.ChatName(kind, toID, s.opts.FileHelperName)}, false, nil
	}
	for _, id := range toIDs {
		names = append(names, domain.ChatName(kind, id, s.opts.FileHelperName))
	}
	return names, true, nil
}

// SendText delivers req.Text to one target, or to every target in order
// when req.ToIDs is set.
func (s *Service) SendText(ctx context.Context, req domain.TextRequest) domain.Result {
	if strings.TrimSpace(req.Text) == "" {
		return domain.Failure(domain.Errorf(domain.KindInvalidRequest, opSendText, "text is required"))
	}
	targets, batch, err := s.targetsFor(req.ToType, req.ToID, req.ToIDs)
	if err != nil {
		return domain.Failure(err)
	}

	if !batch {
		return s.sendTextSingle(ctx, targets[0], req.Text)
	}

	var items []domain.BatchItem
	err = s.withSession(ctx, func(ctx context.Context) error {
		items = s.runBatch(ctx, journal.Entry{Operation: opSendText}, targets, req.BatchOptions, func(ctx context.Context, who string) (string, error) {
			_, err := timedCall(opSendText, func() (struct{}, error) { return struct{}{}, s.auto.SendText(ctx, who, req.Text) })
			return "message sent", err
		})
		return nil
	})
	if err != nil {
		return domain.Failure(err)
	}
	return s.batchResult(items)
}

func (s *Service) sendTextSingle(ctx context.Context, who, text string) domain.Result {
	err := s.withSession(ctx, func(ctx context.Context) error {
		_, err := timedCall(opSendText, func() (struct{}, error) { return struct{}{}, s.auto.SendText(ctx, who, text) })
		return err
	})
	s.record(ctx, journal.Entry{Operation: opSendText, Target: who, Success: err == nil,
		ErrorKind: domain.KindOf(err), Detail: errString(err)})
	metrics.RecordSend(opSendText, err == nil)

	if err != nil {
		s.logger.Warn("text send failed", "target", who, "err", err, "kind", domain.KindOf(err))
		res := domain.Failure(err)
		res.Target = who
		return res
	}
	s.logger.Info("text sent", "target", who, "chars", len([]rune(text)))
	return domain.Result{Success: true, Message: "message sent", Target: who, Timestamp: s.now()}
}

// runBatch sends to targets strictly in order, pausing between consecutive
// sends. A failed target is recorded and the batch moves on. Targets not
// reached because ctx ended are reported as interrupted, so the result
// always has one entry per target.
func (s *Service) runBatch(ctx context.Context, base journal.Entry, targets []string, opts *domain.BatchOptions,
	send func(ctx context.Context, who string) (string, error)) []domain.BatchItem {
	op := base.Operation

	items := make([]domain.BatchItem, 0, len(targets))
	for i, who := range targets {
		if i > 0 {
			d := s.batchDelay(opts)
			s.logger.Debug("batch delay", "next", who, "delay", d)
			if err := s.sleep(ctx, d); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		s.logger.Info("batch send", "op", op, "target", who, "index", i+1, "total", len(targets))
		msg, err := send(ctx, who)
		item := domain.BatchItem{Target: who, Success: err == nil, Timestamp: s.now()}
		if err != nil {
			item.Error = err.Error()
			item.ErrorKind = domain.KindOf(err)
			s.logger.Warn("batch item failed", "op", op, "target", who, "err", err)
		} else {
			item.Message = msg
		}
		items = append(items, item)
		entry := base
		entry.Target, entry.Success, entry.ErrorKind, entry.Detail = who, item.Success, item.ErrorKind, item.Error
		s.record(ctx, entry)
		metrics.RecordSend(op, item.Success)
	}

	for _, who := range targets[len(items):] {
		items = append(items, domain.BatchItem{
			Target: who, Success: false, Timestamp: s.now(),
			Error: "not attempted: interrupted", ErrorKind: domain.KindInterrupted,
		})
	}
	return items
}

// batchResult summarizes items. The batch fails only when no target succeeded.
func (s *Service) batchResult(items []domain.BatchItem) domain.Result {
	sum := domain.Summarize(items)
	res := domain.Result{
		Success:   sum.Successful > 0,
		Message:   fmt.Sprintf("sent %d/%d", sum.Successful, sum.Total),
		Results:   items,
		Summary:   sum,
		Timestamp: s.now(),
	}
	if !res.Success {
		res.Error = fmt.Sprintf("all %d sends failed", sum.Total)
		res.ErrorKind = items[0].ErrorKind
	}
	return res
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
