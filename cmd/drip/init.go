package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initOutput    string
	initDataDir   string
	initDriver    string
	initAPIKey    string
	initReplySMTP bool
	initForce     bool
	initYes       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize drip configuration",
	Long: `Create a drip configuration file.

Examples:
  # Interactive mode - prompts for missing values
  drip init

  # Quick setup for testing with the sandbox driver
  drip init --driver sandbox --data-dir ./data -o drip.yaml --yes`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/drip", "Data directory for the follow-up and campaign databases")
	initCmd.Flags().StringVar(&initDriver, "driver", "", "Dispatch driver: http, smtp or sandbox")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initReplySMTP, "reply-smtp", false, "Enable the reply-by-email listener")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")
	initCmd.Flags().BoolVarP(&initYes, "yes", "y", false, "Accept defaults without prompting")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Drip Configuration Wizard")
	fmt.Println("=========================")
	fmt.Println()

	if !initYes {
		initDataDir = prompt(reader, "Data directory", initDataDir)
	}
	if initDriver == "" {
		initDriver = "sandbox"
		if !initYes {
			initDriver = prompt(reader, "Dispatch driver (http, smtp, sandbox)", initDriver)
		}
	}
	switch initDriver {
	case "http", "smtp", "sandbox":
	default:
		return fmt.Errorf("unknown dispatch driver: %s", initDriver)
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	// Check if output file exists
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	fmt.Println("Next steps:")
	fmt.Printf("  1. Review %s\n", initOutput)
	fmt.Printf("  2. Import campaigns: drip campaign import campaigns.yaml -c %s\n", initOutput)
	fmt.Printf("  3. Start the engine: drip serve -c %s\n", initOutput)
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig() string {
	var dispatch string
	switch initDriver {
	case "http":
		dispatch = `dispatch:
  driver: http
  http:
    url: "https://messaging.example.com/v1/messages"
    api_key: ""   # or DRIP_DISPATCH_API_KEY
    timeout: 30s`
	case "smtp":
		dispatch = `dispatch:
  driver: smtp
  smtp:
    host: "smtp.example.com"
    port: 587
    username: "drip"
    password: ""  # or DRIP_SMTP_PASSWORD
    from: "drip@example.com"
    subject: "Follow-up"
    recipient_domain: "example.com"
    tls: starttls
    dkim:
      enabled: false
      domain: "example.com"
      selector: "drip"
      key_file: "/etc/drip/dkim.pem"`
	default:
		dispatch = `dispatch:
  driver: sandbox
  sandbox:
    simulate_errors: false
    error_probability: 0.1`
	}

	replySMTP := "false"
	if initReplySMTP {
		replySMTP = "true"
	}

	return fmt.Sprintf(`# Drip configuration
# Generated by: drip init

api:
  listen_addr: ":8080"
  api_key: "%s"
  allowed_ips: []

storage:
  path: "%s"

campaigns:
  database_path: "%s"
  # import_file: "/etc/drip/campaigns.yaml"

scheduler:
  default_wait: 30m
  dispatch_timeout: 30s
  startup_timeout: 10s

%s

inbound:
  smtp:
    enabled: %s
    listen_addr: ":2525"
    recipient_domain: ""
  amqp:
    enabled: false
    url: ""       # or DRIP_AMQP_URL
    queue: "drip.replies"

logging:
  level: info
  format: json

metrics:
  enabled: false
  listen_addr: ":9090"
  path: "/metrics"
`,
		initAPIKey,
		filepath.Join(initDataDir, "followups.db"),
		filepath.Join(initDataDir, "campaigns.db"),
		dispatch,
		replySMTP,
	)
}
