// cmd/mfdeploy/cmd/device.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mfdeploy/internal/device"
)

func newPingCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Report whether the bootloader or the runtime is answering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd, func(ctx context.Context, s *device.Session) error {
				source, err := s.Ping(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", source, s.State())
				return nil
			})
		},
	}
}

func newEraseCommand(o *rootOptions) *cobra.Command {
	var regions []string

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase flash regions",
		Long: `Erase flash regions. Without --region the deployment, user storage and
file system sectors are all erased.

Examples:
  mfdeploy erase --port serial:COM3
  mfdeploy erase --port serial:COM3 --region deployment`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var options device.EraseOption
			for _, name := range regions {
				opt, err := device.ParseEraseOption(name)
				if err != nil {
					return err
				}
				options |= opt
			}

			return o.withSession(cmd, func(ctx context.Context, s *device.Session) error {
				if err := s.Erase(ctx, options); err != nil {
					return err
				}
				if options == 0 {
					options = device.EraseAll
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Erased %s\n", options)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&regions, "region", "r", nil, "region to erase: deployment, user_storage, file_system (repeatable)")
	return cmd
}

func newDeployCommand(o *rootOptions) *cobra.Command {
	var (
		signature string
		execute   bool
	)

	cmd := &cobra.Command{
		Use:   "deploy <image.hex>",
		Short: "Write an S-record image to flash",
		Long: `Write an S-record image to flash. Each block's sectors are erased
before it is written. With --signature the signature file is split evenly
across the image blocks.

Examples:
  mfdeploy deploy --port tcp:192.168.1.50 tinyclr.hex
  mfdeploy deploy --port serial:COM3 app.hex --signature app.sig --execute`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd, func(ctx context.Context, s *device.Session) error {
				entry, err := s.Deploy(ctx, args[0], signature)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deployed %s, entry point 0x%08x\n", args[0], entry)

				if !execute {
					return nil
				}
				return runExecute(ctx, cmd, s, entry)
			})
		},
	}

	cmd.Flags().StringVarP(&signature, "signature", "s", "", "signature file")
	cmd.Flags().BoolVarP(&execute, "execute", "x", false, "start the image after deploying it")
	return cmd
}

func runExecute(ctx context.Context, cmd *cobra.Command, s *device.Session, entry uint32) error {
	ok, err := s.Execute(ctx, entry)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("device refused to execute at 0x%08x", entry)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Executing at 0x%08x\n", entry)
	return nil
}

func newExecuteCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <address>",
		Short: "Start code at an address",
		Long: `Start code at an address given in decimal or 0x-prefixed hex.

Examples:
  mfdeploy execute --port serial:COM3 0x08010001`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return fmt.Errorf("invalid address %q", args[0])
			}

			return o.withSession(cmd, func(ctx context.Context, s *device.Session) error {
				return runExecute(ctx, cmd, s, uint32(entry))
			})
		},
	}
}

func newRebootCommand(o *rootOptions) *cobra.Command {
	var cold bool

	cmd := &cobra.Command{
		Use:   "reboot",
		Short: "Restart the device",
		Long: `Restart the device. A warm reboot restarts the runtime and reconnects;
--cold resets the hardware and does not wait for it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd, func(ctx context.Context, s *device.Session) error {
				if err := s.Reboot(ctx, cold); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rebooted (%s)\n", s.State())
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&cold, "cold", false, "hardware reset without reconnecting")
	return cmd
}

func newInfoCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the runtime, HAL, solution and loaded assemblies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd, func(ctx context.Context, s *device.Session) error {
				info, err := s.DeviceInfo(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, info)
			})
		},
	}
}

func newOemInfoCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "oeminfo",
		Short: "Show the bootloader OEM string and version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withSession(cmd, func(ctx context.Context, s *device.Session) error {
				info, err := s.GetOemMonitorInfo(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\nVersion %s\n", info.Info, info.Version)
				return nil
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
