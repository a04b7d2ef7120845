package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bft-labs/scanship/internal/cliconfig"
	"github.com/bft-labs/scanship/pkg/log"
	"github.com/bft-labs/scanship/pkg/scanship"
)

// errDaemonOnly is returned by the uploader of management commands, which
// never start the pipeline.
var errDaemonOnly = errors.New("uploads run in the scanship daemon")

type daemonOnlyUploader struct{}

func (daemonOnlyUploader) Upload(context.Context, scanship.UploadRequest) error {
	return errDaemonOnly
}

// withStore opens the record store of the configured state directory
// without starting uploads, runs fn and closes it.
func (c *cli) withStore(cmd *cobra.Command, fn func(ctx context.Context, s *scanship.Scanship) error) error {
	if err := c.load(cmd); err != nil {
		return err
	}
	dev, err := cliconfig.LoadDeviceInfo(c.cfg.StateDir)
	if err != nil {
		return err
	}
	s, err := scanship.New(c.library(dev),
		scanship.WithLogger(log.NewZerologAdapterWithLogger(c.log)),
		scanship.WithUploader(daemonOnlyUploader{}),
	)
	if err != nil {
		return err
	}
	err = fn(cmd.Context(), s)
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func newCaptureCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "capture FILE...",
		Short: "Store files as pending records for the daemon to upload",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, s *scanship.Scanship) error {
				for _, path := range args {
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					rec, err := s.Capture(ctx, data)
					if err != nil {
						return fmt.Errorf("capture %s: %w", path, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", rec.ID, path)
				}
				return nil
			})
		},
	}
}

func newListCommand(c *cli) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records and their delivery state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]scanship.Status, 0, len(statuses))
			for _, raw := range statuses {
				st, err := scanship.ParseStatus(raw)
				if err != nil {
					return err
				}
				filter = append(filter, st)
			}
			return c.withStore(cmd, func(ctx context.Context, s *scanship.Scanship) error {
				recs, err := s.Records(ctx, filter...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintln(out, "no records")
					return nil
				}
				fmt.Fprintln(out, renderRecords(recs, isTerminal(out)))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only list records in these statuses (pending, uploading, uploaded, failed)")
	return cmd
}

func newRetryCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [ID...]",
		Short: "Re-arm failed records, all of them when no ID is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, s *scanship.Scanship) error {
				n, err := s.Retry(ctx, args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d record(s) re-armed\n", n)
				return nil
			})
		},
	}
}

func newDeleteCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return c.withStore(cmd, func(ctx context.Context, s *scanship.Scanship) error {
				ok, err := s.Delete(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: %s", scanship.ErrRecordNotFound, id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				return nil
			})
		},
	}
}
