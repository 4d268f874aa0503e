package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/akshad-exe/AirSense/internal/infrastructure"
	"github.com/akshad-exe/AirSense/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	replayDryRun      bool
	replayConcurrency int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay readings spooled to the dead-letter log",
	Long: `Re-runs the ingestion pipeline for MQTT readings that failed with an
internal error. Entries that fail again are kept with their retry count
incremented until storage.dead_letter_max_retries is reached.

Run it while the serve command is not consuming MQTT, since the log is
rewritten when the replay finishes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Show what would be replayed without ingesting")
	replayCmd.Flags().IntVarP(&replayConcurrency, "concurrency", "n", 4, "Number of concurrent workers")
}

func runReplay(ctx context.Context) error {
	logger.Info("Starting dead-letter replay...")

	deadLetters, err := openDeadLetters()
	if err != nil {
		return fmt.Errorf("failed to open dead-letter log: %w", err)
	}
	defer deadLetters.Close()

	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	var publisher core.EventPublisher
	if cfg.ServiceBus.ConnectionString != "" {
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, replaying without forwarding")
		} else {
			publisher = messaging
			defer messaging.Close()
		}
	}

	services, err := newServiceRegistry(db, nil, publisher, metrics.New(metrics.Registry))
	if err != nil {
		return err
	}
	defer services.Ingestion.Wait()

	replayer := &DeadLetterReplayer{
		log:         deadLetters,
		ingestor:    services.Ingestion,
		logger:      logger,
		dryRun:      replayDryRun,
		concurrency: replayConcurrency,
	}

	stats, err := replayer.Replay(ctx)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"total_processed": stats.TotalProcessed,
		"successful":      stats.Successful,
		"rejected":        stats.Rejected,
		"retained":        stats.Retained,
		"exhausted":       stats.Exhausted,
		"skipped":         stats.Skipped,
		"dry_run":         replayDryRun,
	}).Info("Replay completed")

	if stats.Retained > 0 {
		logger.Warnf("%d readings are still failing and remain in the dead-letter log", stats.Retained)
	}
	return nil
}

// deadLetterLog is the part of *infrastructure.WAL the replayer needs.
type deadLetterLog interface {
	ReadAll() ([]infrastructure.WALEntry, error)
	Rewrite(entries []infrastructure.WALEntry) error
	MaxRetries() int
}

// ReplayStats summarizes one replay run.
type ReplayStats struct {
	TotalProcessed int
	Successful     int
	Rejected       int
	Retained       int
	Exhausted      int
	Skipped        int
}

// DeadLetterReplayer re-ingests spooled readings.
type DeadLetterReplayer struct {
	log         deadLetterLog
	ingestor    infrastructure.Ingestor
	logger      *logrus.Logger
	dryRun      bool
	concurrency int
}

type replayOutcome int

const (
	outcomeStored replayOutcome = iota
	outcomeRejected
	outcomeRetry
	outcomeUndecodable
)

// Replay ingests every spooled request once and rewrites the log with the
// entries that should be tried again. Entries of other types are kept
// untouched.
func (r *DeadLetterReplayer) Replay(ctx context.Context) (*ReplayStats, error) {
	stats := &ReplayStats{}

	entries, err := r.log.ReadAll()
	if err != nil {
		return stats, fmt.Errorf("failed to read dead-letter log: %w", err)
	}

	var pending, others []infrastructure.WALEntry
	for _, entry := range entries {
		if entry.Type == infrastructure.DeadLetterIngest {
			pending = append(pending, entry)
		} else {
			others = append(others, entry)
		}
	}

	stats.TotalProcessed = len(pending)
	r.logger.Infof("Found %d spooled readings", len(pending))

	if r.dryRun {
		r.logger.Info("DRY RUN: No readings will be ingested")
		for i, entry := range pending {
			if i >= 10 {
				r.logger.Infof("... and %d more readings", len(pending)-10)
				break
			}
			r.logger.WithFields(logrus.Fields{
				"entry_id":   entry.ID,
				"spooled_at": entry.Timestamp,
				"retries":    entry.Retries,
			}).Info("Would replay reading")
		}
		return stats, nil
	}

	concurrency := r.concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	outcomes := make([]replayOutcome, len(pending))
	errs := make([]error, len(pending))

	// Process entries concurrently
	semaphore := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i := range pending {
		semaphore <- struct{}{} // Acquire
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-semaphore }() // Release
			outcomes[i], errs[i] = r.replayEntry(ctx, pending[i])
		}(i)
	}
	wg.Wait()

	keep := others
	for i, entry := range pending {
		switch outcomes[i] {
		case outcomeStored:
			stats.Successful++
		case outcomeRejected:
			stats.Rejected++
			r.logger.WithError(errs[i]).WithField("entry_id", entry.ID).Warn("Spooled reading rejected, dropping it")
		case outcomeUndecodable:
			stats.Skipped++
			r.logger.WithError(errs[i]).WithField("entry_id", entry.ID).Error("Undecodable dead-letter entry, dropping it")
		case outcomeRetry:
			entry.Retries++
			entry.LastError = errs[i].Error()
			if entry.Retries >= r.log.MaxRetries() {
				stats.Exhausted++
				r.logger.WithField("entry_id", entry.ID).Error("Spooled reading exhausted its retries, dropping it")
				continue
			}
			stats.Retained++
			keep = append(keep, entry)
		}
	}

	if err := r.log.Rewrite(keep); err != nil {
		return stats, fmt.Errorf("failed to rewrite dead-letter log: %w", err)
	}
	return stats, nil
}

func (r *DeadLetterReplayer) replayEntry(ctx context.Context, entry infrastructure.WALEntry) (replayOutcome, error) {
	var req core.IngestRequest
	if err := entry.Decode(&req); err != nil {
		return outcomeUndecodable, err
	}
	req.Source = core.SourceReplay

	if _, err := r.ingestor.Ingest(ctx, req); err != nil {
		if core.KindOf(err) == core.KindInternal {
			return outcomeRetry, err
		}
		return outcomeRejected, err
	}
	return outcomeStored, nil
}
