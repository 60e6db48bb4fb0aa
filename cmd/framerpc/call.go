package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"frame-rpc/client"
	"frame-rpc/config"
	"frame-rpc/loadbalance"
	"frame-rpc/message"
	"frame-rpc/transport"
)

func callCmd() *cobra.Command {
	var (
		address string
		conn    string
		data    string
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Send one render request and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(conn)) {
				return errors.New("--conn is not valid JSON")
			}
			if !json.Valid([]byte(data)) {
				return errors.New("--data is not valid JSON")
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if address != "" {
				cfg.Server.Address = address
			}

			resp, err := call(cmd.Context(), cfg, json.RawMessage(conn), json.RawMessage(data), logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(resp.Rendered))
			return nil
		},
	}
	cmd.Flags().StringVarP(&address, "address", "a", "", "Server address (overrides server.address; ignored with a registry)")
	cmd.Flags().StringVar(&conn, "conn", `{"path":"/"}`, "Connection context as JSON")
	cmd.Flags().StringVar(&data, "data", `{"name":"world"}`, "Request data as JSON")
	return cmd
}

// call goes through discovery when a registry is configured, and dials server.address directly otherwise.
func call(ctx context.Context, cfg *config.Config, conn, data json.RawMessage, logger *zap.Logger) (*message.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	topts := []transport.Option{
		transport.WithTimeout(cfg.Client.Timeout.Duration),
		transport.WithHeartbeat(cfg.Client.Heartbeat.Duration),
		transport.WithLogger(logger),
	}

	reg, err := openRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		t := transport.DialClientTransport(ctx, cfg.Server.Network, cfg.Server.Address, topts...)
		defer t.Close()
		return t.Call(ctx, conn, data)
	}
	defer reg.Close()

	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return nil, err
	}
	cli := client.NewClient(reg, bal, cfg.Server.Service, cfg.Client.PoolSize, logger, topts...)
	defer cli.Close()
	return cli.Call(ctx, conn, data)
}
