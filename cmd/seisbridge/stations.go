package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/config"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/service"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/station"
)

// stationsCmd carries what every stations subcommand shares.
type stationsCmd struct {
	opts   *options
	bucket string
}

func newStationsCmd(opts *options) *cobra.Command {
	sc := &stationsCmd{opts: opts}

	cmd := &cobra.Command{
		Use:   "stations",
		Short: "Manage station parameters held in a NATS KV bucket",
		Long: `Edit the bucket a dispatcher reads when dispatcher.stations.type is kv.
Running dispatchers pick up every change through the bucket watch.`,
	}
	cmd.PersistentFlags().StringVarP(&sc.bucket, "bucket", "b", "",
		"KV bucket, defaults to dispatcher.stations.bucket")

	cmd.AddCommand(sc.listCmd(), sc.putCmd(), sc.setCmd(), sc.deleteCmd(), sc.importCmd())
	return cmd
}

// bucketName picks the flag value over the configured bucket.
func bucketName(cfg *config.Config, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if b := cfg.Dispatcher.Stations.Bucket; b != "" {
		return b, nil
	}
	return "", errors.WrapInvalid(
		fmt.Errorf("%w: no --bucket and no dispatcher.stations.bucket", errors.ErrMissingConfig),
		"main", "stations", "select bucket")
}

// with opens the bucket and runs fn against it. The bucket is created when
// missing so a fresh deployment can be seeded.
func (sc *stationsCmd) with(cmd *cobra.Command, fn func(ctx context.Context, kv *station.Editor, src *station.KVSource) error) error {
	cfg, err := sc.opts.loadConfig()
	if err != nil {
		return err
	}
	name, err := bucketName(cfg, sc.bucket)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt := service.NewRuntime(cfg, sc.opts.logger)
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	client, err := rt.NATS(ctx)
	if err != nil {
		return err
	}
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "seisbridge station parameters",
		History:     5,
	})
	if err != nil {
		return err
	}
	store := client.NewKVStore(bucket)
	return fn(ctx, &station.Editor{Bucket: store}, &station.KVSource{Bucket: store})
}

func (sc *stationsCmd) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every station entry as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sc.with(cmd, func(ctx context.Context, _ *station.Editor, src *station.KVSource) error {
				params, err := src.Load(ctx)
				if err != nil {
					return err
				}
				out := json.NewEncoder(cmd.OutOrStdout())
				for _, p := range params {
					if err := out.Encode(p); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (sc *stationsCmd) putCmd() *cobra.Command {
	var (
		p      station.Parameters
		create bool
	)
	cmd := &cobra.Command{
		Use:   "put STATION",
		Short: "Write a station entry, replacing any existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.StationName = args[0]
			return sc.with(cmd, func(ctx context.Context, ed *station.Editor, _ *station.KVSource) error {
				if create {
					return ed.Create(ctx, p)
				}
				return ed.Put(ctx, p)
			})
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&p.Port, "port", "p", 0, "Data consumer port assigned to the station")
	flags.BoolVar(&p.Acquired, "acquired", false, "Accept connections from the station")
	flags.BoolVar(&p.FrameProcessingDisabled, "frame-processing-disabled", false, "Disable frame processing")
	flags.BoolVar(&create, "create", false, "Fail if the station already has an entry")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

func (sc *stationsCmd) setCmd() *cobra.Command {
	var p station.Parameters
	cmd := &cobra.Command{
		Use:   "set STATION",
		Short: "Change fields of an existing station entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := cmd.Flags().Changed
			return sc.with(cmd, func(ctx context.Context, ed *station.Editor, _ *station.KVSource) error {
				updated, err := ed.Update(ctx, args[0], func(cur *station.Parameters) error {
					applyChanges(cur, p, changed)
					return nil
				})
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(updated)
			})
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&p.Port, "port", "p", 0, "Data consumer port")
	flags.BoolVar(&p.Acquired, "acquired", false, "Accept connections from the station")
	flags.BoolVar(&p.FrameProcessingDisabled, "frame-processing-disabled", false, "Disable frame processing")
	return cmd
}

// applyChanges copies the fields whose flags were given from set onto cur.
func applyChanges(cur *station.Parameters, set station.Parameters, changed func(string) bool) {
	if changed("port") {
		cur.Port = set.Port
	}
	if changed("acquired") {
		cur.Acquired = set.Acquired
	}
	if changed("frame-processing-disabled") {
		cur.FrameProcessingDisabled = set.FrameProcessingDisabled
	}
}

func (sc *stationsCmd) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete STATION...",
		Short: "Remove station entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sc.with(cmd, func(ctx context.Context, ed *station.Editor, _ *station.KVSource) error {
				for _, name := range args {
					if err := ed.Delete(ctx, name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (sc *stationsCmd) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Write every station of a YAML or JSON station document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.WrapInvalid(err, "main", "stations import", "read "+args[0])
			}
			params, err := station.ParseDocument(data)
			if err != nil {
				return err
			}
			if _, err := station.NewTable(params); err != nil {
				return err
			}
			return sc.with(cmd, func(ctx context.Context, ed *station.Editor, _ *station.KVSource) error {
				for _, p := range params {
					if err := ed.Put(ctx, p); err != nil {
						return err
					}
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d stations\n", len(params))
				return nil
			})
		},
	}
}
