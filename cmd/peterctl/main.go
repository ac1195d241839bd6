// Package main is the entrypoint for the peterctl support CLI.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverURL string
	var apiKey string

	rootCmd := &cobra.Command{
		Use:   "peterctl",
		Short: "Support CLI for the Peter entitlement service",
		Long: `peterctl inspects and drives a running Peter entitlement service:
current access decision, manual re-verification, restore-purchases, and
purchase flow initiation.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("PETERCTL_SERVER", "http://localhost:8484"), "entitlement service URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("PETERCTL_API_KEY"), "API key for the entitlement service")

	client := &ctlClient{serverURL: &serverURL, apiKey: &apiKey}

	rootCmd.AddCommand(
		newVersionCmd(),
		newStatusCmd(client),
		newVerifyCmd(client),
		newRestoreCmd(client),
		newPurchaseCmd(client),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("peterctl %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newStatusCmd(client *ctlClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current access decision and gate state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.getAndPrint("/api/v1/entitlement")
		},
	}
}

func newVerifyCmd(client *ctlClient) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Trigger a server verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.postAndPrint("/api/v1/entitlement/verify", nil)
		},
	}
}

func newRestoreCmd(client *ctlClient) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Run the restore-purchases flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.postAndPrint("/api/v1/entitlement/restore", nil)
		},
	}
}

func newPurchaseCmd(client *ctlClient) *cobra.Command {
	var productID string

	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "Initiate the purchase flow for a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			if productID == "" {
				return fmt.Errorf("--product is required")
			}
			return client.postAndPrint("/api/v1/purchases", map[string]string{"product_id": productID})
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "product identifier")
	return cmd
}

// ctlClient is a minimal HTTP client for the entitlement API.
type ctlClient struct {
	serverURL *string
	apiKey    *string
}

func (c *ctlClient) getAndPrint(path string) error {
	req, err := http.NewRequest(http.MethodGet, *c.serverURL+path, nil)
	if err != nil {
		return err
	}
	return c.doAndPrint(req)
}

func (c *ctlClient) postAndPrint(path string, body interface{}) error {
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(http.MethodPost, *c.serverURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doAndPrint(req)
}

func (c *ctlClient) doAndPrint(req *http.Request) error {
	if *c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*c.apiKey)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server returned %s: %s", resp.Status, string(data))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func envOr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
