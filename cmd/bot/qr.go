package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
)

func newQRCmd(f *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Print the last pairing code the owner received, via the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, set, err := config.NewManager(f.config).Load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = set.Control.Addr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			body, err := fetchQR(ctx, addr, set.Control.Token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "control API address (default control.addr from config)")
	return cmd
}

func fetchQR(ctx context.Context, addr, token string) (string, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("control addr: %w", err)
	}
	u.Path = "/qr"
	u.RawQuery = "format=text"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if token != "" {
		req.Header.Set("X-Control-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("control api: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch resp.StatusCode {
	case http.StatusOK:
		return strings.TrimSpace(string(b)), nil
	case http.StatusNotFound:
		return "", fmt.Errorf("no pairing code: the owner has not received one")
	default:
		return "", fmt.Errorf("control api: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
}
