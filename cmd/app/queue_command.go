package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/untibullet/landkid/internal/client"
	"github.com/untibullet/landkid/internal/models"
	"github.com/untibullet/landkid/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show waiting, queued and running land requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := client.New(ctx.endpoint).Queue(cmd.Context())
			if err != nil {
				return err
			}
			writeSnapshot(cmd.OutOrStdout(), snapshot)
			return nil
		},
	}
	addEndpointFlag(cmd, ctx)
	return cmd
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <request-id>",
		Short: "Show status history of a land request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := client.New(ctx.endpoint).History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			writeHistory(cmd.OutOrStdout(), history.History)
			return nil
		},
	}
	addEndpointFlag(cmd, ctx)
	return cmd
}

func writeSnapshot(out io.Writer, snapshot *queue.Snapshot) {
	sections := []struct {
		title    string
		statuses []models.LandRequestStatus
	}{
		{"Running", snapshot.Running},
		{"Queue", snapshot.Queue},
		{"Waiting", snapshot.Waiting},
	}
	for _, section := range sections {
		fmt.Fprintf(out, "%s (%d)\n", section.title, len(section.statuses))
		if len(section.statuses) == 0 {
			continue
		}
		fmt.Fprintln(out, renderStatuses(section.statuses))
	}
}

func renderStatuses(statuses []models.LandRequestStatus) string {
	rows := make([][]string, 0, len(statuses))
	for _, status := range statuses {
		var repo, pr, priority string
		if status.Request != nil {
			repo = status.Request.PullRequest.Repository
			pr = "#" + strconv.Itoa(status.Request.PullRequest.PullRequestID)
			priority = strconv.Itoa(status.Request.Priority)
		}
		rows = append(rows, []string{
			status.RequestID,
			repo,
			pr,
			priority,
			string(status.State),
			status.Date.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"Request", "Repository", "PR", "Priority", "State", "Since"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func writeHistory(out io.Writer, history []models.LandRequestStatus) {
	rows := make([][]string, 0, len(history))
	for _, status := range history {
		latest := ""
		if status.IsLatest {
			latest = "*"
		}
		rows = append(rows, []string{
			strconv.FormatInt(status.ID, 10),
			string(status.State),
			status.Date.Local().Format(time.DateTime),
			status.Reason,
			status.BuildID,
			latest,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "State", "Date", "Reason", "Build", "Latest"},
		rows,
		[]columnAlignment{alignRight},
	))
}
