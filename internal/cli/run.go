package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sift/internal/canon"
	"github.com/roach88/sift/internal/engine"
	"github.com/roach88/sift/internal/loader"
	"github.com/roach88/sift/internal/snapshot"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Each        bool   // send every message as its own transaction
	StdinFormat string // format of "-" inputs
	StateOnly   bool   // print only the state
}

// RunResult is the outcome of a run.
type RunResult struct {
	Batches  int           `json:"batches"`
	Messages int           `json:"messages"`
	Seq      int64         `json:"seq"`
	Digest   string        `json:"digest"`
	State    *snapshot.Map `json:"state"`
}

func (r RunResult) String() string {
	state, err := canon.MarshalIndent(r.State, "  ")
	if err != nil {
		state = []byte(err.Error())
	}
	return fmt.Sprintf("Committed %d batch(es), %d message(s)\nSeq: %d\nDigest: %s\n%s",
		r.Batches, r.Messages, r.Seq, r.Digest, state)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <file|dir|->...",
		Short: "Send message files through the runtime",
		Long: `Send the messages of each file as one batch and print the resulting state.

Files may be JSON, JSON Lines, YAML or CUE; directories are read in
sorted path order and "-" reads standard input. With a journal
configured the runtime resumes from the latest commit and journals
every batch.

Exit codes:
  0 - All batches committed
  1 - A batch aborted, or an effect failed after its batch committed
  2 - Command error (unreadable input, bad config, etc.)

Examples:
  sift run ./messages.yaml
  sift run --journal ./sift.db ./batches/
  cat events.jsonl | sift run --stdin-format jsonl -
  sift run --each --format json ./users.json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFiles(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Each, "each", false, "send every message as its own transaction")
	cmd.Flags().StringVar(&opts.StdinFormat, "stdin-format", "json", "format of standard input (json|jsonl|yaml|cue)")
	cmd.Flags().BoolVar(&opts.StateOnly, "state-only", false, "print only the final state")

	return cmd
}

func runFiles(opts *RunOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	batches, err := readBatches(opts, args, cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := StartRuntime(ctx, cfg, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	result := RunResult{}
	for i, batch := range batches {
		formatter.VerboseLog("Sending batch %d (%d messages)", i, len(batch))
		_, err := rt.Dispatch.Send(ctx, batch...)
		if err != nil {
			return sendFailure(formatter, i, err)
		}
		result.Batches++
		result.Messages += len(batch)
	}
	rt.Dispatch.Wait()

	result.State, result.Seq = rt.Dispatch.Snapshot()
	result.Digest, err = canon.Digest(result.State)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to digest state", err)
	}

	if opts.StateOnly {
		return formatter.Success(result.State)
	}
	return formatter.Success(result)
}

// readBatches loads every argument up front, so that a bad file fails the
// command before anything is committed.
func readBatches(opts *RunOptions, args []string, cmd *cobra.Command) ([][]any, error) {
	var batches [][]any
	for _, arg := range args {
		var (
			msgs []any
			err  error
		)
		if arg == "-" {
			format, ferr := loader.ParseFormat(opts.StdinFormat)
			if ferr != nil {
				return nil, WrapExitError(ExitCommandError, "invalid --stdin-format", ferr)
			}
			msgs, err = loader.Read(cmd.InOrStdin(), format)
		} else {
			msgs, err = loader.Load(arg)
		}
		if err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to load %s", arg), err)
		}

		if opts.Each {
			for _, m := range msgs {
				batches = append(batches, []any{m})
			}
			continue
		}
		batches = append(batches, msgs)
	}
	return batches, nil
}

// sendFailure reports a failed send. A failed effect leaves its batch
// committed, anything else aborted it.
func sendFailure(formatter *OutputFormatter, batch int, err error) error {
	code, what := ErrCodeAborted, "aborted"
	if engine.IsEffectError(err) && !engine.IsTransitionError(err) {
		code, what = ErrCodeEffect, "committed but an effect failed"
	}
	msg := fmt.Sprintf("batch %d %s", batch, what)
	details := strings.Split(err.Error(), "\n")
	if ferr := formatter.Error(code, msg, details); ferr != nil {
		return ferr
	}
	return WrapExitError(ExitFailure, msg, err)
}
