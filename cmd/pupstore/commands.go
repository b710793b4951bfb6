package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/store"
	pupstore "github.com/getpup/pupstore/pkg"
)

func newAppendCommand(rootOpts *rootOptions) *cobra.Command {
	var expected int64

	cmd := &cobra.Command{
		Use:   "append <stream> <payload>...",
		Short: "Append JSON payloads to a stream",
		Long: `Append JSON payloads to a stream in one atomic write.

--expected is the head the stream must have. The default of -1 uses the
current head, which skips the optimistic concurrency check.

Examples:
  pupstore append order-1 '{"type":"created"}'
  pupstore append order-1 --expected 1 '{"type":"paid"}' '{"type":"shipped"}'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := es.StreamID(args[0])

			payloads := make([]json.RawMessage, 0, len(args)-1)
			for i, arg := range args[1:] {
				if !json.Valid([]byte(arg)) {
					return fmt.Errorf("payload %d is not valid JSON", i+1)
				}
				payloads = append(payloads, json.RawMessage(arg))
			}

			s, err := openSession(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			to := es.At(id, es.EventNumber(expected))
			if expected < 0 {
				if to, err = s.store.Head(ctx, id); err != nil {
					return err
				}
			}

			head, err := s.store.Append(ctx, to, payloads...)
			if err != nil {
				if conflict, ok := es.AsConflict(err); ok {
					return fmt.Errorf("stream %s is at %d, not %d", id, conflict.Actual, conflict.Expected)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s head %d\n", id, head.EventNumber)
			return nil
		},
	}

	cmd.Flags().Int64Var(&expected, "expected", -1, "expected stream head (-1 for the current head)")
	return cmd
}

func newReadCommand(rootOpts *rootOptions) *cobra.Command {
	var from uint64

	cmd := &cobra.Command{
		Use:   "read <stream>",
		Short: "Print the committed events of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			for ev, err := range s.store.Read(ctx, es.At(es.StreamID(args[0]), es.EventNumber(from))) {
				if err != nil {
					return err
				}
				if err := printEvent(cmd.OutOrStdout(), rootOpts.format, ev); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 0, "first event number to print")
	return cmd
}

func newHeadCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "head <stream>",
		Short: "Print the next event number of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			head, err := s.store.Head(ctx, es.StreamID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatUint(uint64(head.EventNumber), 10))
			return nil
		},
	}
}

func newTailCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		from  int64
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "tail [stream]",
		Short: "Follow a stream or every stream",
		Long: `Follow a stream or every stream until interrupted.

With a stream, --from replays history starting at that event number first;
the default of -1 starts at the current head. With --all, every event
committed after the command starts is printed.

Examples:
  pupstore tail order-1
  pupstore tail order-1 --from 0
  pupstore tail --all --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give either a stream or --all")
			}
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			var sub *store.Subscription[json.RawMessage]
			if all {
				sub, err = s.store.SubscribeAll(ctx)
			} else {
				id := es.StreamID(args[0])
				pos := es.At(id, es.EventNumber(from))
				if from < 0 {
					if pos, err = s.store.Head(ctx, id); err != nil {
						return err
					}
				}
				sub, err = s.store.Subscribe(ctx, pos)
			}
			if err != nil {
				return err
			}
			defer sub.Close()

			n := 0
			for ev, err := range sub.All() {
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := printEvent(cmd.OutOrStdout(), rootOpts.format, ev); err != nil {
					return err
				}
				n++
				if limit > 0 && n >= limit {
					return nil
				}
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&from, "from", -1, "first event number to print (-1 for live only)")
	cmd.Flags().BoolVar(&all, "all", false, "follow every stream")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many events (0 for no limit)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the library version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), pupstore.Version())
			return nil
		},
	}
}
