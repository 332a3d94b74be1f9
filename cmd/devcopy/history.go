package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/store"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func newHistoryCmd() *cobra.Command {
	var limit int
	var prune bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded transfers and per-device statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close()
			if prune {
				n, err := pruneHistory(e.store)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "removed %d finished transfer(s)\n", n)
				return nil
			}
			return printHistory(os.Stdout, e.store, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of transfers to show")
	cmd.Flags().BoolVar(&prune, "prune", false, "Delete finished transfers from the history")
	return cmd
}

func printHistory(w io.Writer, s store.Store, limit int) error {
	jobs, err := s.ListJobs()
	if err != nil {
		return err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	t := newTable("ID", "NAME", "DEVICE", "PRIORITY", "STATE", "ITEMS", "COPIED", "STARTED")
	for _, j := range jobs {
		t.Row(j.ID, j.Name, j.Device, j.Priority, string(j.State),
			fmt.Sprintf("%d/%d", j.CompletedItems, j.TotalItems),
			formatBytes(j.BytesTransferred)+" / "+formatBytes(j.TotalBytes),
			j.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(w, t.Render())

	stats, err := s.ListQueueStats()
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		return nil
	}
	q := newTable("DEVICE", "OK", "FAILED", "BYTES", "TIME", "LAST")
	for _, st := range stats {
		q.Row(st.Device, strconv.Itoa(st.Successful), strconv.Itoa(st.Failed),
			formatBytes(st.TotalBytes), st.TotalDuration.Round(1e6).String(),
			st.LastTransferAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(w, q.Render())
	return nil
}

func pruneHistory(s store.Store) (int, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if !j.State.Terminal() {
			continue
		}
		if err := s.DeleteJob(j.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices [PATH...]",
		Short: "Show detected devices under the mount roots and the given paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			detector := e.detector()
			infos := device.NewMonitor(e.cfg.MountRoots, detector, 0, e.logger).Scan()
			for _, p := range args {
				infos = append(infos, detector.Detect(p))
			}
			printDevices(os.Stdout, infos)
			return nil
		},
	}
}

func printDevices(w io.Writer, infos []device.Info) {
	t := newTable("PATH", "TYPE", "FS", "FREE", "SIZE", "SPEED", "FLAGS")
	for _, info := range infos {
		speed := "-"
		if mbps, ok := info.EstimatedSpeed(); ok {
			speed = fmt.Sprintf("%.0f MB/s", mbps)
		}
		var flags string
		if info.Removable {
			flags += "removable "
		}
		if info.ReadOnly {
			flags += "read-only"
		}
		t.Row(info.Path, info.Type.String(), info.Filesystem,
			formatBytes(int64(info.AvailableSpace)), formatBytes(int64(info.TotalSpace)), speed, flags)
	}
	fmt.Fprintln(w, t.Render())
}
