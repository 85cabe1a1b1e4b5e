package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pairlink/pairlink/pkg/config"
	"github.com/pairlink/pairlink/pkg/storage"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "shows recent channel activity from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		journal, err := storage.NewJournal(filepath.Join(cfg.DataDir, "journal.db"), cfg.Secret)
		if err != nil {
			return err
		}
		defer journal.Close()

		return printJournal(journal, historyLimit)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of entries to show")
}

func printJournal(journal *storage.Journal, limit int) error {
	events, err := journal.RecentEvents(limit)
	if err != nil {
		return err
	}

	color.Cyan("Recent events:")
	if len(events) == 0 {
		fmt.Println("  (none)")
	}
	for _, ev := range events {
		when := time.Unix(ev.CreatedAt, 0).Format("2006-01-02 15:04:05")
		line := fmt.Sprintf("  %s  %-18s %s", when, ev.Kind, ev.Peer)
		if ev.Detail != "" {
			line += "  " + ev.Detail
		}
		fmt.Println(line)
	}

	transfers, err := journal.RecentTransfers(limit)
	if err != nil {
		return err
	}

	color.Cyan("Recent transfers:")
	if len(transfers) == 0 {
		fmt.Println("  (none)")
	}
	for _, tr := range transfers {
		when := time.Unix(tr.StartedAt, 0).Format("2006-01-02 15:04:05")
		fmt.Printf("  %s  %-9s %-8s %-24s %10s  %s\n",
			when, tr.Status, tr.Direction, tr.FileName, formatBytes(tr.Size), tr.TransferID)
	}

	total, err := journal.TotalBytesTransferred()
	if err != nil {
		return err
	}
	fmt.Printf("\nTotal transferred: %s\n", formatBytes(total))
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
