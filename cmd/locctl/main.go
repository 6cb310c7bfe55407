// Command locctl is the operator CLI for a running gestloc-api instance.
// It drives the admin endpoints over HTTP and can mint local dev tokens.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"gestloc.io/internal/auth"
)

var (
	apiURL   string
	apiToken string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "locctl",
		Short:         "Operator CLI for gestloc-api",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("GESTLOC_API_URL", "http://localhost:8080"), "Base URL of the API")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("GESTLOC_API_TOKEN"), "Bearer token")

	rootCmd.AddCommand(reconcileCmd(), diagnoseCmd(), tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func reconcileCmd() *cobra.Command {
	var leaseID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the status drift sweep, optionally on a single lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/reconcile"
			if leaseID != "" {
				path = "/v1/leases/" + leaseID + "/reconcile"
			}
			return call(http.MethodPost, path, nil)
		},
	}
	cmd.Flags().StringVar(&leaseID, "lease", "", "Reconcile only this lease")
	return cmd
}

func diagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose <lease-id>",
		Short: "Explain the stored vs derived status of a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/v1/leases/"+args[0]+"/diagnose", nil)
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		roles string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed dev token using GESTLOC_AUTH_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken(args[0], strings.Split(roles, ","), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&roles, "roles", auth.RoleAdmin, "Comma-separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}

// call performs a request and pretty-prints the JSON response.
func call(method, path string, body any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s returned %s", method, path, resp.Status)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
