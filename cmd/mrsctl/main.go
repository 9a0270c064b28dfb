// Command mrsctl is a thin HTTP client CLI for operating an mrsd node:
// peer administration today, more admin surfaces as they get added.
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

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	Token     string
	OutFormat string
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		baseURL = envOr("MRSCTL_ADMIN_URL", "http://localhost:8080")
		token   = envOr("MRSCTL_ADMIN_TOKEN", "")
		out     = envOr("MRSCTL_OUT", "text")
	)

	cl := &client{HTTP: &http.Client{Timeout: 30 * time.Second}}

	root := &cobra.Command{
		Use:   "mrsctl",
		Short: "Admin CLI for an mrsd federation node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("missing admin bearer token (flag --admin-token or env MRSCTL_ADMIN_TOKEN)")
			}
			cl.BaseURL, cl.Token, cl.OutFormat = baseURL, token, out
			return nil
		},
	}
	root.PersistentFlags().StringVar(&baseURL, "admin-url", baseURL, "mrsd base URL (env MRSCTL_ADMIN_URL)")
	root.PersistentFlags().StringVar(&token, "admin-token", token, "admin bearer token (env MRSCTL_ADMIN_TOKEN)")
	root.PersistentFlags().StringVar(&out, "out", out, "output format: text|json")

	peersCmd := &cobra.Command{Use: "peers", Short: "Federation peer-table operations"}

	var addURL, addHint string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a peer's server_url as a configured (bootstrap) peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addURL == "" {
				return fmt.Errorf("--server-url is required")
			}
			body, _ := json.Marshal(map[string]any{"server_url": addURL, "hint": addHint})
			status, resp, err := cl.do(http.MethodPost, "/admin/peers", body)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("add peer failed: status=%d body=%s", status, string(resp))
			}
			cl.print(status, resp)
			return nil
		},
	}
	addCmd.Flags().StringVar(&addURL, "server-url", "", "peer's server_url, e.g. https://b.example")
	addCmd.Flags().StringVar(&addHint, "hint", "", "human-readable hint about the peer's region")

	peersCmd.AddCommand(addCmd)
	root.AddCommand(peersCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check mrsd's /healthz",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, resp, err := cl.do(http.MethodGet, "/healthz", nil)
			if err != nil {
				return err
			}
			cl.print(status, resp)
			if status/100 != 2 {
				return fmt.Errorf("unhealthy: status=%d", status)
			}
			return nil
		},
	}
	root.AddCommand(healthCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
