package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bmcpi/uefivars/internal/firmware/efi"
	"github.com/bmcpi/uefivars/internal/firmware/runtime"
	"github.com/bmcpi/uefivars/internal/firmware/varstore"
)

// visible enumerates svc the way GetNextVariableName would.
func visible(cmd *cobra.Command, svc *runtime.Services) ([]efi.Variable, error) {
	var vars []efi.Variable
	err := svc.Locked(cmd.Context(), func(vs *varstore.Varstore) error {
		var name string
		var guid efi.GUID
		for {
			v, err := vs.GetNext(name, guid)
			if errors.Is(err, varstore.ErrEndReached) {
				return nil
			}
			if err != nil {
				return err
			}
			vars = append(vars, v)
			name, guid = v.Name, v.GUID
		}
	})
	return vars, err
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list IMAGE",
		Short: "List the live variables of the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := opts.open(cmd, args[0])
			if err != nil {
				return err
			}
			vars, err := visible(cmd, img.Services)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.output == "json" {
				b, err := efi.MarshalVariableList(vars)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(b))
				return err
			}
			if done, err := opts.render(out, vars); done {
				return err
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GUID\tNAME\tATTRIBUTES\tSIZE")
			for _, v := range vars {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", v.GUID.Name(), v.Name, v.Attributes, len(v.Data))
			}
			return tw.Flush()
		},
	}
}

func newGetCmd(opts *options) *cobra.Command {
	var (
		guidFlag string
		raw      bool
	)

	cmd := &cobra.Command{
		Use:   "get IMAGE NAME",
		Short: "Print the data of one variable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			guid, err := efi.ParseGUID(efi.FormatGUID(guidFlag))
			if err != nil {
				return fmt.Errorf("invalid --guid: %w", err)
			}
			img, err := opts.open(cmd, args[0])
			if err != nil {
				return err
			}

			var v efi.Variable
			err = img.Services.Locked(cmd.Context(), func(vs *varstore.Varstore) error {
				var err error
				v, err = vs.Get(args[1], guid)
				return err
			})
			if err != nil {
				return fmt.Errorf("%s-%s: %w", guid, args[1], err)
			}

			out := cmd.OutOrStdout()
			if raw {
				_, err = out.Write(v.Data)
				return err
			}
			if done, err := opts.render(out, v); done {
				return err
			}
			fmt.Fprintf(out, "%s-%s %s\n", v.GUID.Name(), v.Name, v.Attributes)
			_, err = fmt.Fprint(out, hex.Dump(v.Data))
			return err
		},
	}
	cmd.Flags().StringVar(&guidFlag, "guid", efi.EfiGlobalVariableGuid.String(), "vendor namespace GUID, hyphens optional")
	cmd.Flags().BoolVar(&raw, "raw", false, "write the data bytes unformatted")
	return cmd
}
