package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/codec"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/config"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/dispatcher"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/records"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/service"
)

func newDispatcherCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatcher",
		Short: "Run the station connection dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return opts.runServices(cmd.Context(), cfg, func(ctx context.Context, rt *service.Runtime) ([]service.Service, error) {
				svc, err := service.NewDispatcherService(ctx, rt)
				if err != nil {
					return nil, err
				}
				return []service.Service{svc}, nil
			})
		},
	}
}

func newConsumeCmd(opts *options) *cobra.Command {
	var kinds []string

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Persist record kinds from the message bus",
		Long: `Run one storage consumer per record kind. Without --kind every kind
enabled in the configuration is consumed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			selected, err := selectKinds(cfg, kinds)
			if err != nil {
				return err
			}
			return opts.runServices(cmd.Context(), cfg, func(ctx context.Context, rt *service.Runtime) ([]service.Service, error) {
				services := make([]service.Service, 0, len(selected))
				for _, k := range selected {
					svc, err := service.NewConsumerService(ctx, rt, k)
					if err != nil {
						return nil, err
					}
					services = append(services, svc)
				}
				return services, nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&kinds, "kind", "k", nil,
		"Record kind to consume, repeatable: "+strings.Join(kindNames(), ", "))
	return cmd
}

func kindNames() []string {
	ks := records.Kinds()
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = string(k)
	}
	return out
}

// selectKinds parses names, or returns the enabled kinds when names is empty.
func selectKinds(cfg *config.Config, names []string) ([]records.Kind, error) {
	if len(names) == 0 {
		enabled := cfg.EnabledKinds()
		if len(enabled) == 0 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: no consumer is enabled and no --kind given", errors.ErrMissingConfig),
				"main", "consume", "select kinds")
		}
		return enabled, nil
	}

	seen := make(map[records.Kind]bool, len(names))
	out := make([]records.Kind, 0, len(names))
	for _, name := range names {
		k, err := records.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}

func newPublishCmd(opts *options) *cobra.Command {
	var (
		kind     string
		stations []string
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish sample records for a kind, for development and soak tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := records.ParseKind(kind)
			if err != nil {
				return err
			}
			if len(stations) == 0 {
				return errors.WrapInvalid(errors.ErrMissingConfig, "main", "publish", "read --station")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return publish(cmd, opts, cfg, k, stations, count, interval)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&kind, "kind", "k", string(records.KindStationSOH), "Record kind")
	flags.StringSliceVarP(&stations, "station", "s", []string{"ASAR", "ARCES", "PDAR"}, "Station names")
	flags.IntVarP(&count, "count", "n", 10, "Records per station")
	flags.DurationVar(&interval, "interval", 0, "Pause between rounds")
	return cmd
}

func publish(cmd *cobra.Command, opts *options, cfg *config.Config, k records.Kind,
	stations []string, count int, interval time.Duration,
) error {
	ctx := cmd.Context()
	rt := service.NewRuntime(cfg, opts.logger)
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	client, err := rt.NATS(ctx)
	if err != nil {
		return err
	}
	cc, _ := cfg.Consumer(k)
	if _, err := client.EnsureStream(ctx, service.StreamConfig(cc)); err != nil {
		return err
	}
	enc, err := codec.ByName[records.Record](cc.Codec)
	if err != nil {
		return err
	}

	subjects := cc.PartitionSubjects()
	published := 0
	for round := range count {
		if round > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		for _, sta := range stations {
			r, err := records.Sample(k, sta, time.Now().UTC())
			if err != nil {
				return err
			}
			data, err := enc.Encode(r)
			if err != nil {
				return err
			}
			subject := subjects[records.PartitionOf(sta, len(subjects))]
			if err := client.PublishToStream(ctx, subject, data); err != nil {
				return err
			}
			published++
		}
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "published %d %s records to %s\n", published, k, cc.Stream)
	return nil
}

func newQueryCmd(opts *options) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query STATION...",
		Short: "Ask a running dispatcher where stations should connect",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := json.NewEncoder(cmd.OutOrStdout())
			for _, name := range args {
				resp, err := query(cmd.Context(), addr, timeout, name)
				if err != nil {
					return err
				}
				if err := out.Encode(resp); err != nil {
					return err
				}
			}
			opts.logger.Debug("Query complete", "stations", len(args))
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8041", "Dispatcher address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Exchange timeout")
	return cmd
}

// query performs one station exchange the way a connecting station does.
func query(ctx context.Context, addr string, timeout time.Duration, station string) (dispatcher.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return dispatcher.Response{}, errors.WrapTransient(err, "main", "query", "dial "+addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c := dispatcher.CBORCodec{}
	if err := c.WriteRequest(conn, dispatcher.Request{StationName: station}); err != nil {
		return dispatcher.Response{}, err
	}
	return c.ReadResponse(conn)
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print it with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			opts.logger.Info("Configuration is valid", "enabled_consumers", cfg.EnabledKinds())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s)\n", appName, version(), BuildTime)
		},
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
