package main

import (
	"encoding/hex"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bmcpi/uefivars/internal/firmware/edk2"
)

type recordView struct {
	Offset     string     `json:"offset"`
	State      string     `json:"state"`
	Name       string     `json:"name"`
	GUID       string     `json:"guid"`
	Attributes string     `json:"attributes"`
	Size       int        `json:"size"`
	Monotonic  uint64     `json:"monotonic_count,omitempty"`
	TimeStamp  *time.Time `json:"timestamp,omitempty"`
	Data       string     `json:"data,omitempty"`
}

type storeView struct {
	Size    uint32       `json:"size"`
	Used    int          `json:"used"`
	Records []recordView `json:"records"`
}

func newDumpCmd(opts *options) *cobra.Command {
	var withData bool

	cmd := &cobra.Command{
		Use:   "dump IMAGE",
		Short: "Show every record in the store, including deleted ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := opts.open(cmd, args[0])
			if err != nil {
				return err
			}

			s := img.Store
			view := storeView{Size: s.Header.Size, Used: s.End - edk2.FirmwareVolumeHeaderLength - edk2.VariableStoreHeaderLength, Records: []recordView{}}
			for _, r := range s.Records {
				rv := recordView{
					Offset:     fmt.Sprintf("%#x", r.Offset),
					State:      r.State.String(),
					Name:       r.Name,
					GUID:       r.VendorGUID.Name(),
					Attributes: r.Attributes.String(),
					Size:       len(r.Data),
					Monotonic:  r.MonotonicCount,
				}
				if !r.TimeStamp.IsZero() {
					ts := r.TimeStamp.Time()
					rv.TimeStamp = &ts
				}
				if withData {
					rv.Data = hex.EncodeToString(r.Data)
				}
				view.Records = append(view.Records, rv)
			}

			out := cmd.OutOrStdout()
			if done, err := opts.render(out, view); done {
				return err
			}

			fmt.Fprintf(out, "store size %d, %d bytes used, %d records\n", view.Size, view.Used, len(view.Records))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "OFFSET\tSTATE\tGUID\tNAME\tATTRIBUTES\tSIZE")
			for _, r := range view.Records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", r.Offset, r.State, r.GUID, r.Name, r.Attributes, r.Size)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&withData, "data", false, "include hex encoded data")
	return cmd
}
