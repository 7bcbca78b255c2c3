/*
Copyright 2025 Flant JSC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Luytan/hybridmanager/pkg/dbusapi"
)

// api is the daemon surface used by the commands.
type api interface {
	List(ctx context.Context) ([]dbusapi.Row, error)
	ListModes(ctx context.Context) ([]string, error)
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, mode string) (string, error)
	GpuBlock(ctx context.Context, id uint32, enabled bool) (string, error)
}

type dialFunc func(bus string) (api, func(), error)

func dialBus(bus string) (api, func(), error) {
	conn, err := dbusapi.Connect(bus)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s bus: %w", bus, err)
	}
	return dbusapi.NewClient(conn), func() { _ = conn.Close() }, nil
}

type options struct {
	bus     string
	timeout time.Duration
}

func newRootCmd(dial dialFunc) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "hybridctl",
		Short:         "Switch the discrete GPU between integrated and hybrid modes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.bus, "bus", "system", "D-Bus bus the daemon listens on (system or session)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "how long to wait for the daemon")

	// call dials the daemon and runs fn with a bounded context.
	call := func(cmd *cobra.Command, fn func(context.Context, api) error) error {
		client, closeFn, err := dial(opts.bus)
		if err != nil {
			return err
		}
		defer closeFn()
		ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
		defer cancel()
		return fn(ctx, client)
	}

	root.AddCommand(
		&cobra.Command{
			Use:       "set <mode>",
			Short:     "Set the mode",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"integrated", "hybrid"},
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd, func(ctx context.Context, c api) error {
					msg, err := c.Set(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), msg)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get",
			Short: "Get the current mode",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd, func(ctx context.Context, c api) error {
					mode, err := c.Get(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Current gpu mode: %s\n", mode)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List GPUs in a table",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd, func(ctx context.Context, c api) error {
					rows, err := c.List(ctx)
					if err != nil {
						return err
					}
					return printTable(cmd.OutOrStdout(), rows)
				})
			},
		},
		&cobra.Command{
			Use:   "list-modes",
			Short: "List supported modes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd, func(ctx context.Context, c api) error {
					modes, err := c.ListModes(ctx)
					if err != nil {
						return err
					}
					for _, m := range modes {
						fmt.Fprintln(cmd.OutOrStdout(), m)
					}
					return nil
				})
			},
		},
		newGpuCmd(call),
	)
	return root
}

func newGpuCmd(call func(*cobra.Command, func(context.Context, api) error) error) *cobra.Command {
	gpu := &cobra.Command{
		Use:   "gpu <id> block <on|off>",
		Short: "GPU operations",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid gpu id %q", args[0])
			}
			if args[1] != "block" {
				return fmt.Errorf("unknown gpu operation %q, expected block", args[1])
			}
			enabled, err := parseState(args[2])
			if err != nil {
				return err
			}
			return call(cmd, func(ctx context.Context, c api) error {
				msg, err := c.GpuBlock(ctx, uint32(id), enabled)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}
	return gpu
}

func parseState(state string) (bool, error) {
	switch state {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid state %q, expected on or off", state)
	}
}
