package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petems/plant-recorder/internal/audio"
	"github.com/petems/plant-recorder/internal/wavfile"
)

func (c *cli) devicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List input devices and mark the one record would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := newBackend()
			if err != nil {
				return fmt.Errorf("init audio: %w", err)
			}
			defer backend.Close()

			devices, err := backend.Devices()
			if err != nil {
				return err
			}
			chosen, selErr := audio.Select(devices, c.cfg.Filter())

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tINDEX\tNAME\tINPUTS\tDEFAULT RATE")
			for _, d := range devices {
				mark := ""
				if selErr == nil && d.Index == chosen.Index {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%.0f\n", mark, d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if selErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "No usable device: %v\n", selErr)
			}
			return nil
		},
	}
}

func (c *cli) inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE.wav",
		Short: "Show the format of a recording and check its header sizes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := wavfile.Inspect(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "file:        %s\n", info.Path)
			fmt.Fprintf(out, "size:        %d bytes\n", info.FileSize)
			fmt.Fprintf(out, "format:      %d Hz, %d ch, %d bit\n", info.Format.SampleRate, info.Format.Channels, info.BitDepth)
			fmt.Fprintf(out, "data size:   %d bytes\n", info.DataSize)
			fmt.Fprintf(out, "duration:    %s\n", info.Duration)
			fmt.Fprintf(out, "consistent:  %t\n", info.Consistent)
			if !info.Consistent {
				return fmt.Errorf("%s: header sizes do not match the file length", info.Path)
			}
			return nil
		},
	}
}

func (c *cli) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "write [PATH]",
		Short: "Write the effective configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			written, err := c.cfg.Save(path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), written)
			return nil
		},
	})
	return cmd
}
