package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/iaminawe/taskhive/internal/state"
	"github.com/iaminawe/taskhive/pkg/models"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show recorded session history",
	Long: `Display sessions recorded in the local history database.

Without arguments, lists recent sessions. With a session ID, shows that
session's tasks and agents.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Maximum number of sessions to list")
}

// openHistoryDB opens the project database if present, else the global one.
func openHistoryDB() (*state.DB, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		dbPath = state.GlobalDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openHistoryDB()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("No session history. Run 'taskhive run <session.yaml>' to start.")
		return nil
	}
	defer db.Close()

	if len(args) == 1 {
		return showSession(db, args[0])
	}
	return listSessions(db)
}

func listSessions(db *state.DB) error {
	summaries, err := db.ListSessions(statusLimit)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No session history. Run 'taskhive run <session.yaml>' to start.")
		return nil
	}

	for _, s := range summaries {
		statusColorFor(models.SessionStatus(s.Status)).Printf("%-10s", s.Status)
		fmt.Printf(" %s  %-24s %d/%d tasks", s.ID, s.Name, s.CompletedTasks, s.TotalTasks)
		if s.FailedTasks > 0 {
			color.New(color.FgRed).Printf(" (%d failed)", s.FailedTasks)
		}
		fmt.Printf("  %s\n", s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func showSession(db *state.DB, id string) error {
	session, err := db.GetSession(id)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("no recorded session %q", id)
	}

	fmt.Printf("Session %s: %s\n", session.ID, session.Name)
	fmt.Print("  Status: ")
	statusColorFor(session.Status).Println(string(session.Status))
	fmt.Printf("  Created: %s\n", session.CreatedAt.Local().Format(time.RFC1123))
	if session.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", session.CompletedAt.Local().Format(time.RFC1123))
	}
	fmt.Printf("  Progress: %d/%d completed, %d failed (%.0f%%)\n",
		session.Progress.Completed, session.Progress.Total,
		session.Progress.Failed, session.Progress.Percentage)

	fmt.Println("\nTasks:")
	for _, task := range session.OrderedTasks() {
		taskColorFor(task.Status).Printf("  %-12s", task.Status)
		fmt.Printf(" %s (%s)", task.ID, task.Type)
		if task.AssignedAgent != "" {
			fmt.Printf(" agent=%s", task.AssignedAgent)
		}
		if task.RetryCount > 0 {
			fmt.Printf(" retries=%d", task.RetryCount)
		}
		if task.Error != "" {
			color.New(color.FgRed).Printf(" error=%s", task.Error)
		}
		fmt.Println()
	}

	fmt.Println("\nAgents:")
	for _, agent := range session.OrderedAgents() {
		fmt.Printf("  %-20s %-8s completed=%d failed=%d\n",
			agent.ID, agent.Status, agent.TasksCompleted, agent.TasksFailed)
	}
	return nil
}

func statusColorFor(status models.SessionStatus) *color.Color {
	switch status {
	case models.SessionStatusCompleted:
		return color.New(color.FgGreen)
	case models.SessionStatusFailed:
		return color.New(color.FgRed)
	case models.SessionStatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func taskColorFor(status models.TaskStatus) *color.Color {
	switch status {
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}
