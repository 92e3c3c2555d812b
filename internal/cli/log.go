package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sift/internal/store"
)

// LogOptions holds flags for the log commands.
type LogOptions struct {
	*RootOptions
	From      int64
	Limit     int
	WithState bool
}

// LogEntry summarizes one journaled commit.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	Digest    string    `json:"digest"`
	Messages  int       `json:"messages"`
	Duration  string    `json:"duration"`
	CreatedAt time.Time `json:"created_at"`
}

// VerifyResult is the outcome of log verify.
type VerifyResult struct {
	Commits int   `json:"commits"`
	Latest  int64 `json:"latest"`
	Valid   bool  `json:"valid"`
}

// NewLogCommand creates the log command and its subcommands.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the commit journal",
		Long: `Inspect the commit journal configured with --journal or --redis.

Every committed transaction is journaled with its messages, the state it
produced and the digest of that state.

Examples:
  sift log list --journal ./sift.db --from 10 --limit 5
  sift log show --journal ./sift.db 12 --state
  sift log verify --redis localhost:6379
  sift log find --journal ./sift.db 3f2a...`,
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List journaled commits",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogList(opts, cmd)
		},
	}
	list.Flags().Int64Var(&opts.From, "from", 1, "first seq to list")
	list.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of commits (0 for all)")

	show := &cobra.Command{
		Use:           "show <seq>",
		Short:         "Show one commit",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogShow(opts, args[0], cmd)
		},
	}
	show.Flags().BoolVar(&opts.WithState, "state", false, "include the committed state")

	verify := &cobra.Command{
		Use:           "verify",
		Short:         "Check seq order and every state digest",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogVerify(opts, cmd)
		},
	}

	find := &cobra.Command{
		Use:           "find <digest>",
		Short:         "Find the first commit that produced a state digest",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogFind(opts, args[0], cmd)
		},
	}

	cmd.AddCommand(list, show, verify, find)
	return cmd
}

// withJournal loads config, opens the journal and runs fn against it.
func withJournal(opts *LogOptions, cmd *cobra.Command, fn func(context.Context, store.Journal, *OutputFormatter) error) error {
	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	j, err := requireJournal(cfg.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, j, newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()))
}

func runLogList(opts *LogOptions, cmd *cobra.Command) error {
	return withJournal(opts, cmd, func(ctx context.Context, j store.Journal, f *OutputFormatter) error {
		commits, err := j.List(ctx, opts.From, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list journal", err)
		}

		entries := make([]LogEntry, 0, len(commits))
		for _, c := range commits {
			entries = append(entries, summarize(c))
		}

		if f.Format == "json" {
			return f.Success(entries)
		}
		if len(entries) == 0 {
			return f.Success("No commits.")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%-8s %-16s %-8s %-12s %s\n", "SEQ", "DIGEST", "MSGS", "DURATION", "CREATED")
		for _, e := range entries {
			fmt.Fprintf(&b, "%-8d %-16s %-8d %-12s %s\n",
				e.Seq, shortDigest(e.Digest), e.Messages, e.Duration, e.CreatedAt.Format(time.RFC3339))
		}
		return f.Success(strings.TrimSuffix(b.String(), "\n"))
	})
}

func runLogShow(opts *LogOptions, arg string, cmd *cobra.Command) error {
	seq, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid seq %q", arg), err)
	}

	return withJournal(opts, cmd, func(ctx context.Context, j store.Journal, f *OutputFormatter) error {
		c, err := j.Get(ctx, seq)
		if errors.Is(err, store.ErrNotFound) {
			return NewExitError(ExitFailure, fmt.Sprintf("no commit with seq %d", seq))
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read journal", err)
		}

		out := map[string]any{
			"seq":        c.Seq,
			"digest":     c.Digest,
			"messages":   c.Messages,
			"duration":   c.Duration.String(),
			"created_at": c.CreatedAt,
		}
		if opts.WithState {
			out["state"] = c.State
		}
		return f.Success(out)
	})
}

func runLogVerify(opts *LogOptions, cmd *cobra.Command) error {
	return withJournal(opts, cmd, func(ctx context.Context, j store.Journal, f *OutputFormatter) error {
		n, err := store.Verify(ctx, j)
		if err != nil {
			if ferr := f.Error(ErrCodeJournal, "journal verification failed", err.Error()); ferr != nil {
				return ferr
			}
			return WrapExitError(ExitFailure, "journal verification failed", err)
		}

		result := VerifyResult{Commits: n, Valid: true}
		if n > 0 {
			latest, err := j.Latest(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read journal", err)
			}
			result.Latest = latest.Seq
		}

		if f.Format == "json" {
			return f.Success(result)
		}
		return f.Success(fmt.Sprintf("✓ %d commit(s) verified, latest seq %d", result.Commits, result.Latest))
	})
}

func runLogFind(opts *LogOptions, digest string, cmd *cobra.Command) error {
	return withJournal(opts, cmd, func(ctx context.Context, j store.Journal, f *OutputFormatter) error {
		seq, err := j.FindDigest(ctx, digest)
		if errors.Is(err, store.ErrNotFound) {
			return NewExitError(ExitFailure, fmt.Sprintf("no commit with digest %s", digest))
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to search journal", err)
		}

		if f.Format == "json" {
			return f.Success(map[string]any{"digest": digest, "seq": seq})
		}
		return f.Success(strconv.FormatInt(seq, 10))
	})
}

func summarize(c store.Commit) LogEntry {
	var msgs []json.RawMessage
	_ = json.Unmarshal(c.Messages, &msgs)
	return LogEntry{
		Seq:       c.Seq,
		Digest:    c.Digest,
		Messages:  len(msgs),
		Duration:  c.Duration.String(),
		CreatedAt: c.CreatedAt,
	}
}

func shortDigest(d string) string {
	if len(d) > 16 {
		return d[:16]
	}
	return d
}
