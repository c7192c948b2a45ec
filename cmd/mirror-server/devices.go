package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/kstaniek/go-mirror-server/internal/serial"
	"github.com/spf13/cobra"
)

// listDevices is a hook for tests.
var listDevices = serial.List

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List serial ports and mark mirror devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devs, err := listDevices()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PORT\tVID:PID\tSERIAL\tPRODUCT\tMIRROR")
			for _, d := range devs {
				id := "-"
				if d.USB {
					id = d.VID + ":" + d.PID
				}
				mark := ""
				if d.Match {
					mark = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name, id, d.Serial, d.Product, mark)
			}
			return tw.Flush()
		},
	}
}
