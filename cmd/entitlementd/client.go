package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-entitlements/internal/config"
	"github.com/rcourtman/pulse-entitlements/internal/docstore"
	mongostore "github.com/rcourtman/pulse-entitlements/internal/docstore/mongo"
	"github.com/rcourtman/pulse-entitlements/internal/syncer"
)

const clientTimeout = 60 * time.Second

// apiClient talks to a running daemon.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{base: base, http: &http.Client{Timeout: clientTimeout}}
}

type apiErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// do performs a request and returns the body of a 2xx response. Other
// statuses are returned as errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("contact daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr apiErrorBody
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Code != "" {
				return body, resp.StatusCode, fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
			}
			return body, resp.StatusCode, fmt.Errorf("%s", apiErr.Error)
		}
		return body, resp.StatusCode, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return body, resp.StatusCode, nil
}

func printJSON(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, werr := w.Write(body)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func defaultAddr() string {
	if addr := os.Getenv(config.EnvPrefix + "HTTP_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:7660"
}

// clientCommand builds a command that calls the daemon and prints the JSON
// response.
func clientCommand(use, short string, args cobra.PositionalArgs, request func(cmd *cobra.Command, args []string) (method, path string)) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			method, path := request(cmd, args)
			body, status, err := newAPIClient(addr).do(cmd.Context(), method, path)
			if err != nil {
				// Denials still carry a useful decision body.
				if status == http.StatusForbidden && len(body) > 0 {
					_ = printJSON(cmd.OutOrStdout(), body)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr(), "daemon address")
	return cmd
}

func newStateCmd() *cobra.Command {
	return clientCommand("state", "Show the canonical entitlement state", cobra.NoArgs,
		func(*cobra.Command, []string) (string, string) {
			return http.MethodGet, "/api/v1/state"
		})
}

func newCheckCmd() *cobra.Command {
	return clientCommand("check [feature]", "Show access decisions for one or all features", cobra.MaximumNArgs(1),
		func(_ *cobra.Command, args []string) (string, string) {
			if len(args) == 0 {
				return http.MethodGet, "/api/v1/access"
			}
			return http.MethodGet, "/api/v1/access/" + url.PathEscape(args[0])
		})
}

func newConsumeCmd() *cobra.Command {
	return clientCommand("consume <feature>", "Consume one use of a usage-limited feature", cobra.ExactArgs(1),
		func(_ *cobra.Command, args []string) (string, string) {
			return http.MethodPost, "/api/v1/usage/" + url.PathEscape(args[0]) + "/consume"
		})
}

func newRefreshCmd() *cobra.Command {
	var force bool
	cmd := clientCommand("refresh", "Request a reconciliation pass", cobra.NoArgs,
		func(*cobra.Command, []string) (string, string) {
			if force {
				return http.MethodPost, "/api/v1/refresh?force=true"
			}
			return http.MethodPost, "/api/v1/refresh"
		})
	cmd.Flags().BoolVar(&force, "force", false, "bypass cached validation results")
	return cmd
}

var clearSyncCmd = &cobra.Command{
	Use:   "clear-sync",
	Short: "Remove this account's entitlement from the shared document store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequireAccount(); err != nil {
			return err
		}
		if cfg.MongoURI == "" {
			return fmt.Errorf("%sMONGO_URI is not set", config.EnvPrefix)
		}

		ctx := cmd.Context()
		docs, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return err
		}
		defer docs.Close(context.Background())

		return clearSync(ctx, cfg.AccountID, docs)
	},
}

func clearSync(ctx context.Context, accountID string, docs docstore.Store) error {
	return syncer.New(accountID, "", docs, nil, nil, nil).ClearSync(ctx)
}
