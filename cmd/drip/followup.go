package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/drip/internal/client"
	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/followup"
)

var (
	serverURL string
	apiKey    string

	followupListStatus   string
	followupListClient   string
	followupListCampaign string
	followupListLimit    int
	followupCancelReason string
)

var followupCmd = &cobra.Command{
	Use:     "followup",
	Aliases: []string{"fu"},
	Short:   "Follow-up management commands (through the HTTP API)",
}

var followupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List follow-ups",
	RunE:  runFollowUpList,
}

var followupShowCmd = &cobra.Command{
	Use:   "show <followup_id>",
	Short: "Show follow-up status and recent messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runFollowUpShow,
}

var followupCancelCmd = &cobra.Command{
	Use:   "cancel <followup_id>",
	Short: "Cancel a follow-up",
	Args:  cobra.ExactArgs(1),
	RunE:  runFollowUpCancel,
}

var followupResumeCmd = &cobra.Command{
	Use:   "resume <followup_id>",
	Short: "Resume a paused follow-up",
	Args:  cobra.ExactArgs(1),
	RunE:  runFollowUpResume,
}

var followupAdvanceCmd = &cobra.Command{
	Use:   "advance <followup_id>",
	Short: "Skip to the next step now",
	Args:  cobra.ExactArgs(1),
	RunE:  runFollowUpAdvance,
}

func init() {
	followupCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "drip API base URL")
	followupCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default $"+config.EnvAPIKey+")")

	followupListCmd.Flags().StringVar(&followupListStatus, "status", "", "Filter by status (active, paused, completed, canceled)")
	followupListCmd.Flags().StringVar(&followupListClient, "client", "", "Filter by client ID")
	followupListCmd.Flags().StringVar(&followupListCampaign, "campaign", "", "Filter by campaign ID")
	followupListCmd.Flags().IntVar(&followupListLimit, "limit", 50, "Maximum number of follow-ups to show")

	followupCancelCmd.Flags().StringVar(&followupCancelReason, "reason", "", "Cancellation reason")

	followupCmd.AddCommand(followupListCmd, followupShowCmd, followupCancelCmd, followupResumeCmd, followupAdvanceCmd)
	rootCmd.AddCommand(followupCmd)
}

func newClient() *client.Client {
	key := apiKey
	if key == "" {
		key = os.Getenv(config.EnvAPIKey)
	}
	return client.New(serverURL, key)
}

func runFollowUpList(cmd *cobra.Command, args []string) error {
	filter := followup.ListFilter{
		Status:     followup.Status(followupListStatus),
		ClientID:   followupListClient,
		CampaignID: followupListCampaign,
		Limit:      followupListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status: %s", filter.Status)
	}

	resp, err := newClient().ListFollowUps(context.Background(), filter)
	if err != nil {
		return err
	}
	if resp.Count == 0 {
		fmt.Println("No follow-ups")
		return nil
	}

	fmt.Println(renderFollowUps(resp.FollowUps))
	fmt.Printf("\nTotal: %d follow-ups\n", resp.Count)
	return nil
}

func renderFollowUps(list []*followup.FollowUp) string {
	rows := make([][]string, 0, len(list))
	for _, f := range list {
		rows = append(rows, []string{
			f.ID,
			f.ClientID,
			truncate(f.CampaignID, 24),
			string(f.Status),
			strconv.Itoa(f.CurrentStep + 1),
			formatTime(f.NextMessageAt),
			f.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	return renderTable(
		[]string{"ID", "Client", "Campaign", "Status", "Step", "Next message", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func runFollowUpShow(cmd *cobra.Command, args []string) error {
	st, err := newClient().GetFollowUp(context.Background(), args[0])
	if err != nil {
		return err
	}

	f := st.FollowUp
	fmt.Printf("Follow-up: %s\n\n", f.ID)
	fmt.Printf("Client:       %s\n", f.ClientID)
	fmt.Printf("Campaign:     %s (%s)\n", st.Campaign, f.CampaignID)
	fmt.Printf("Status:       %s\n", f.Status)
	fmt.Printf("Progress:     %d/%d (%.1f%%)\n", st.Progress.Current, st.Progress.Total, st.Progress.Percent)
	fmt.Printf("Responsive:   %t\n", f.IsResponsive)
	fmt.Printf("Started:      %s\n", f.StartedAt.Format(time.RFC3339))
	fmt.Printf("Next message: %s\n", formatTime(f.NextMessageAt))
	if f.CompletedAt != nil {
		fmt.Printf("Finished:     %s\n", f.CompletedAt.Format(time.RFC3339))
	}

	if len(st.Messages) == 0 {
		return nil
	}

	rows := make([][]string, 0, len(st.Messages))
	for _, m := range st.Messages {
		step := strconv.Itoa(m.StepIndex + 1)
		if m.Inbound() {
			step = "reply"
		}
		rows = append(rows, []string{
			m.SentAt.Format("2006-01-02 15:04:05"),
			step,
			m.Stage,
			strconv.FormatBool(m.Delivered),
			truncate(m.Content, 60),
		})
	}
	fmt.Println("\nRecent messages:")
	fmt.Println(renderTable(
		[]string{"Sent", "Step", "Stage", "Delivered", "Content"},
		rows,
		[]columnAlignment{alignLeft, alignRight},
	))
	return nil
}

func runFollowUpCancel(cmd *cobra.Command, args []string) error {
	res, err := newClient().CancelFollowUp(context.Background(), args[0], followupCancelReason)
	if err != nil {
		return err
	}
	if res.AlreadyCanceled {
		fmt.Printf("Follow-up %s was already canceled\n", args[0])
		return nil
	}
	fmt.Printf("Follow-up %s canceled\n", args[0])
	return nil
}

func runFollowUpResume(cmd *cobra.Command, args []string) error {
	f, err := newClient().ResumeFollowUp(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Follow-up %s resumed at step %d (%s)\n", f.ID, f.CurrentStep+1, f.Status)
	return nil
}

func runFollowUpAdvance(cmd *cobra.Command, args []string) error {
	f, err := newClient().AdvanceFollowUp(context.Background(), args[0])
	if err != nil {
		return err
	}
	if f.Status == followup.StatusCompleted {
		fmt.Printf("Follow-up %s completed\n", f.ID)
		return nil
	}
	fmt.Printf("Follow-up %s advanced to step %d\n", f.ID, f.CurrentStep+1)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
