package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
	"github.com/bmcpi/uefivars/internal/firmware/manager"
)

type bootEntryView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	DevicePath  string `json:"device_path"`
	Active      bool   `json:"active"`
	Position    int    `json:"position"`
}

type bootView struct {
	Order   []string        `json:"order"`
	Next    string          `json:"next,omitempty"`
	Entries []bootEntryView `json:"entries"`
}

func newBootCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "boot IMAGE",
		Short: "Show BootOrder, BootNext and the Boot#### load options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := opts.open(cmd, args[0])
			if err != nil {
				return err
			}
			bm := manager.NewBootManager(img.Services, opts.logger())
			ctx := cmd.Context()

			view := bootView{Order: []string{}, Entries: []bootEntryView{}}
			order, err := bm.BootOrder(ctx)
			if err != nil && !errors.Is(err, efi.ErrNotFound) {
				return err
			}
			for _, id := range order {
				view.Order = append(view.Order, efi.BootOptionName(id))
			}

			next, err := bm.BootNext(ctx)
			switch {
			case err == nil:
				view.Next = efi.BootOptionName(next)
			case !errors.Is(err, efi.ErrNotFound):
				return err
			}

			entries, err := bm.BootEntries(ctx)
			if err != nil {
				return err
			}
			for _, e := range entries {
				path, err := e.GetDevicePathString()
				if err != nil {
					path = fmt.Sprintf("<%v>", err)
				}
				view.Entries = append(view.Entries, bootEntryView{
					Name:        e.Name(),
					Description: e.Description,
					DevicePath:  path,
					Active:      e.Active,
					Position:    e.Position,
				})
			}

			out := cmd.OutOrStdout()
			if done, err := opts.render(out, view); done {
				return err
			}

			fmt.Fprintf(out, "BootOrder: %v\n", view.Order)
			if view.Next != "" {
				fmt.Fprintf(out, "BootNext: %s\n", view.Next)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tACTIVE\tPOSITION\tDESCRIPTION\tDEVICE PATH")
			for _, e := range view.Entries {
				fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%s\n", e.Name, e.Active, e.Position, e.Description, e.DevicePath)
			}
			return tw.Flush()
		},
	}
}
