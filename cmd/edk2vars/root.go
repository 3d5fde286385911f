package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"github.com/bmcpi/uefivars/internal/firmware"
)

// options are the flags shared by every subcommand.
type options struct {
	verbosity        int
	output           string
	member           string
	exitBootServices bool
}

func (o *options) logger() logr.Logger {
	stdr.SetVerbosity(o.verbosity)
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags))
}

func (o *options) open(cmd *cobra.Command, location string) (*firmware.Image, error) {
	return firmware.Open(cmd.Context(), firmware.Config{
		Source:           firmware.Source{Location: location, Member: o.member},
		ExitBootServices: o.exitBootServices,
	}, o.logger())
}

// render writes v as JSON or YAML. It returns false for the table format,
// leaving the output to the caller.
func (o *options) render(w io.Writer, v any) (bool, error) {
	switch o.output {
	case "table", "":
		return false, nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return true, err
		}
		_, err = w.Write(b)
		return true, err
	default:
		return true, fmt.Errorf("unknown output format %q", o.output)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "edk2vars",
		Short: "Inspect EDK2 firmware volume variable stores",
		Long: `edk2vars decodes the non-volatile variable store of an EDK2 firmware
image, such as OVMF_VARS.fd, and shows its variables and boot configuration.

IMAGE is a local path or an http(s) URL. Zip, tar and gzip archives are
unpacked; use --member when an archive holds more than one file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().IntVarP(&opts.verbosity, "verbose", "v", 0, "log verbosity")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format (table, json, yaml)")
	cmd.PersistentFlags().StringVar(&opts.member, "member", "", "image file name inside an archive")
	cmd.PersistentFlags().BoolVar(&opts.exitBootServices, "runtime", false, "view the store as seen after ExitBootServices")

	cmd.AddCommand(
		newDumpCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newBootCmd(opts),
	)
	return cmd
}
