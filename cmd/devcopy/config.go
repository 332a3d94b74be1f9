package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/franksops/devcopy/config"
	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/engine"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := openConfig()
			if err != nil {
				return err
			}
			return printConfig(os.Stdout, m.Config())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the location of config.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := openConfig()
			if err != nil {
				return err
			}
			fmt.Println(m.Path())
			return nil
		},
	})

	var ask bool
	var pattern string
	setConflict := &cobra.Command{
		Use:   "set-conflict ACTION",
		Short: "Set the default conflict action (ask, overwrite, skip, rename_new, rename_old)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openConfig()
			if err != nil {
				return err
			}
			policy, err := conflictOverride(args[0], m.Config().ConflictResolution)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ask") {
				policy.AskForConfirmation = ask
			}
			if cmd.Flags().Changed("pattern") {
				policy.RenamePattern = pattern
			}
			return m.UpdateConflictResolution(policy)
		},
	}
	setConflict.Flags().BoolVar(&ask, "ask", false, "Still ask before applying the action")
	setConflict.Flags().StringVar(&pattern, "pattern", engine.DefaultRenamePattern, "Rename pattern with {name} and {counter}")
	cmd.AddCommand(setConflict)

	cmd.AddCommand(&cobra.Command{
		Use:   "set-device PATH TYPE",
		Short: "Record the device type of a mount path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openConfig()
			if err != nil {
				return err
			}
			t, err := device.ParseType(args[1])
			if err != nil {
				return err
			}
			return m.Update(func(c *config.AppConfig) error {
				if c.Devices == nil {
					c.Devices = make(map[string]device.Type)
				}
				if t == device.Unknown {
					delete(c.Devices, strings.TrimSuffix(args[0], "/"))
					return nil
				}
				c.Devices[strings.TrimSuffix(args[0], "/")] = t
				return nil
			})
		},
	})

	return cmd
}

func printConfig(w io.Writer, cfg config.AppConfig) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
