package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/foxzi/drip/internal/campaign"
	"github.com/foxzi/drip/internal/delay"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands (on the campaign database)",
}

var campaignImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or replace campaigns from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignImport,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

func init() {
	campaignCmd.AddCommand(campaignImportCmd, campaignListCmd, campaignShowCmd)
	rootCmd.AddCommand(campaignCmd)
}

func openCampaignStore() (*campaign.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := campaign.OpenSQLite(cfg.Campaigns.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign store: %w", err)
	}
	return store, nil
}

func runCampaignImport(cmd *cobra.Command, args []string) error {
	list, err := campaign.LoadFile(args[0])
	if err != nil {
		return err
	}

	store, err := openCampaignStore()
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := campaign.Import(context.Background(), store, list)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	for _, c := range list {
		for i, step := range c.Steps {
			if _, err := delay.ParseStrict(step.WaitDuration); err != nil {
				fmt.Printf("warning: %s step %d: wait_duration %q falls back to the default\n", c.ID, i+1, step.WaitDuration)
			}
		}
	}
	fmt.Printf("Imported %d campaigns (%d created, %d updated)\n", len(list), res.Created, res.Updated)
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	store, err := openCampaignStore()
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(context.Background(), campaign.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	rows := make([][]string, 0, len(list))
	for _, c := range list {
		rows = append(rows, []string{
			c.ID,
			truncate(c.Name, 40),
			strconv.Itoa(len(c.Steps)),
			c.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	fmt.Println(renderTable(
		[]string{"ID", "Name", "Steps", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	store, err := openCampaignStore()
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := store.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	if c == nil {
		return fmt.Errorf("campaign not found: %s", args[0])
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Name:        %s\n", c.Name)
	if c.Description != "" {
		fmt.Printf("Description: %s\n", c.Description)
	}
	fmt.Println()

	rows := make([][]string, 0, len(c.Steps))
	for i, step := range c.Steps {
		var wait string
		if d, err := delay.ParseStrict(step.WaitDuration); err == nil {
			wait = fmt.Sprintf("%s (%s)", step.WaitDuration, d)
		} else {
			wait = fmt.Sprintf("%s (default)", step.WaitDuration)
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			step.Stage,
			truncate(step.Message, 50),
			wait,
			step.TemplateID,
		})
	}
	fmt.Println(renderTable(
		[]string{"#", "Stage", "Message", "Wait", "Template"},
		rows,
		[]columnAlignment{alignRight},
	))
	return nil
}
