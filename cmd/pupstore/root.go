package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/config"
	"github.com/getpup/pupstore/es/store"
	"github.com/getpup/pupstore/es/telemetry"
	pupstore "github.com/getpup/pupstore/pkg"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	format     string // "text" | "json"
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "pupstore",
		Short: "Append to, read and follow event streams",
		Long: `Append to, read and follow event streams.

The backend comes from the file given with --config and from PUPSTORE_*
environment variables, which take precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.format)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newAppendCommand(opts))
	cmd.AddCommand(newReadCommand(opts))
	cmd.AddCommand(newHeadCommand(opts))
	cmd.AddCommand(newTailCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// session is an opened store plus what must be released with it.
type session struct {
	store    store.Store[json.RawMessage]
	shutdown func(context.Context) error
}

func (s *session) Close() error {
	err := s.store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := s.shutdown(ctx); err == nil {
		err = serr
	}
	return err
}

func openSession(ctx context.Context, cmd *cobra.Command, opts *rootOptions) (*session, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := es.NewSlogLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	shutdown, err := telemetry.Setup(ctx, "pupstore", cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	s, err := pupstore.Open[json.RawMessage](ctx, cfg, codec.JSON[json.RawMessage]{}, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	return &session{store: s, shutdown: shutdown}, nil
}

// eventView is the JSON output form of an event.
type eventView struct {
	Stream         es.StreamID     `json:"stream"`
	Number         es.EventNumber  `json:"number"`
	EventID        string          `json:"event_id"`
	GlobalPosition int64           `json:"global_position,omitempty"`
	CommittedAt    time.Time       `json:"committed_at"`
	Payload        json.RawMessage `json:"payload"`
}

func printEvent(w io.Writer, format string, ev es.StoredEvent[json.RawMessage]) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(eventView{
			Stream:         ev.StreamID(),
			Number:         ev.Number(),
			EventID:        ev.EventID.String(),
			GlobalPosition: ev.GlobalPosition,
			CommittedAt:    ev.CommittedAt,
			Payload:        ev.Payload,
		})
	}
	_, err := fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
		ev.StreamID(), ev.Number(), ev.CommittedAt.Format(time.RFC3339Nano), ev.Payload)
	return err
}
