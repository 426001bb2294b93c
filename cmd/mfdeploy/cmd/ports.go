// cmd/mfdeploy/cmd/ports.go
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPortsCommand(o *rootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List the ports devices can be reached on",
		Long: `List serial, USB and TCP ports. TCP devices are found with the UDP
multicast discovery handshake.

Examples:
  mfdeploy ports
  mfdeploy ports --kind tcp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := o.discovery().ScanPorts(cmd.Context(), kind)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tNAME\tSPEC")
			for _, p := range ports {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Kind, p.DisplayName, p.Spec())
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "all", "port kind: all, serial, usb, tcp")
	return cmd
}
