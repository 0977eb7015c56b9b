package main

import (
	"fmt"
	"sort"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/briangreenhill/voice101/cache"
	"github.com/briangreenhill/voice101/internal/config"
	"github.com/briangreenhill/voice101/internal/jobs"
)

// openStorage opens the store named by OFFLINE_STORAGE_* unless the flags
// override it
func openStorage(cmd *cobra.Command, driver, dsn string) (cache.Storage, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if driver == "" {
		driver = cfg.Storage.Driver
	}
	if dsn == "" {
		dsn = cfg.Storage.DSN
	}
	return cache.Open(cmd.Context(), driver, dsn, nil)
}

func cachesCmd() *cobra.Command {
	var driver, dsn string

	cmd := &cobra.Command{
		Use:   "caches",
		Short: "List or clear cache buckets",
	}
	cmd.PersistentFlags().StringVar(&driver, "driver", "", "Storage driver (memory, file, sqlite, postgres)")
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Storage location for the driver")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cache buckets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := openStorage(cmd, driver, dsn)
			if err != nil {
				return err
			}
			defer storage.Close() //nolint:errcheck
			return listCaches(cmd, storage)
		},
	})

	var (
		prefix  string
		enqueue bool
		redis   string
	)
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every bucket whose name starts with --prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if enqueue {
				return enqueuePurge(cmd, asynq.NewClient(asynq.RedisClientOpt{Addr: redis}), prefix)
			}
			storage, err := openStorage(cmd, driver, dsn)
			if err != nil {
				return err
			}
			defer storage.Close() //nolint:errcheck
			return clearCaches(cmd, storage, prefix)
		},
	}
	clearCmd.Flags().StringVar(&prefix, "prefix", "voice101-", "Bucket name prefix")
	clearCmd.Flags().BoolVar(&enqueue, "enqueue", false, "Queue a purge job instead of deleting directly")
	clearCmd.Flags().StringVar(&redis, "redis", "localhost:6379", "Redis address used with --enqueue")
	cmd.AddCommand(clearCmd)

	return cmd
}

func listCaches(cmd *cobra.Command, storage cache.Storage) error {
	names, err := storage.Keys(cmd.Context())
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	sort.Strings(names)
	out := cmd.OutOrStdout()
	for _, name := range names {
		bucket, err := storage.Open(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		keys, err := bucket.Keys(cmd.Context())
		if err != nil {
			return fmt.Errorf("keys %s: %w", name, err)
		}
		fmt.Fprintf(out, "%s\t%d\n", name, len(keys))
	}
	return nil
}

func clearCaches(cmd *cobra.Command, storage cache.Storage, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("--prefix is required")
	}
	deleted, err := cache.DeleteByPrefix(cmd.Context(), storage, prefix)
	for _, name := range deleted {
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
	}
	if err != nil {
		return fmt.Errorf("clear caches: %w", err)
	}
	if len(deleted) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no caches match %q\n", prefix)
	}
	return nil
}

type enqueueCloser interface {
	jobs.Enqueuer
	Close() error
}

func enqueuePurge(cmd *cobra.Command, q enqueueCloser, prefix string) error {
	defer q.Close() //nolint:errcheck
	task, err := jobs.NewPurgeCachesTask(prefix)
	if err != nil {
		return err
	}
	info, err := q.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue purge: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s on %s\n", info.ID, info.Queue)
	return nil
}
