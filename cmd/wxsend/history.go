package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"wxsend/internal/domain"
	"wxsend/internal/journal"
)

type historyResult struct {
	Success   bool             `json:"success"`
	Count     int              `json:"count"`
	Pruned    int64            `json:"pruned,omitempty"`
	Entries   []journal.Entry  `json:"entries"`
	Error     string           `json:"error,omitempty"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
}

func (c *cli) historyCmd() *cobra.Command {
	var (
		op        string
		limit     int
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent send outcomes from the journal",
		Long:  "Lists journal entries newest first. Requires journal.enabled in the config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fail := func(kind domain.ErrorKind, err error) error {
				writeResult(c.stdout, historyResult{Entries: []journal.Entry{}, Error: err.Error(), ErrorKind: kind})
				return &exitError{code: 1}
			}

			cfg, err := c.loadConfig()
			if err != nil {
				return fail(domain.KindInvalidRequest, err)
			}
			if !cfg.Journal.Enabled {
				return fail(domain.KindInvalidRequest, errJournalDisabled)
			}
			logger, logCloser := c.setupLogging(cfg)
			defer logCloser.Close()

			j, err := journal.Open(cfg.Journal.DBPath, logger)
			if err != nil {
				return fail(domain.KindFilesystem, err)
			}
			defer j.Close()

			ctx := cmd.Context()
			res := historyResult{Success: true}
			if olderThan > 0 {
				if res.Pruned, err = j.Prune(ctx, time.Now().Add(-olderThan)); err != nil {
					return fail(domain.KindFilesystem, err)
				}
			}
			entries, err := j.Recent(ctx, op, limit)
			if err != nil {
				return fail(domain.KindFilesystem, err)
			}
			if entries == nil {
				entries = []journal.Entry{}
			}
			res.Entries, res.Count = entries, len(entries)
			writeResult(c.stdout, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "only show send_text or send_file entries")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show")
	cmd.Flags().DurationVar(&olderThan, "prune-older-than", 0, "first delete entries older than this (e.g. 720h)")
	return cmd
}

var errJournalDisabled = errors.New("journal is disabled; run `wxsend config set journal.enabled true`")
