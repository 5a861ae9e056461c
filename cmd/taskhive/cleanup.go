package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge old sessions from the history database",
	Long: `Delete finished sessions older than the cutoff from the local
history database. Sessions that never finished are kept.

Examples:
  taskhive cleanup                     # purge sessions older than 30 days
  taskhive cleanup --older-than 168h   # purge sessions older than a week`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "Purge sessions that finished longer ago than this")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	db, err := openHistoryDB()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("No session history database found.")
		return nil
	}
	defer db.Close()

	count, err := db.PurgeOldSessions(cleanupOlderThan)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d session(s) older than %s.\n", count, cleanupOlderThan)
	return nil
}
