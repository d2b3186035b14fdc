package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

type globals struct {
	server string
	token  string
}

func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "crmrt",
		Short: "CRM realtime client (watch pushes, publish test events)",
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("CRMRT_SERVER", "http://127.0.0.1:8080"), "realtimed base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("CRMRT_TOKEN"), "bearer token (user token for watch, publish token for publish)")

	root.AddCommand(watchCmd(g))
	root.AddCommand(publishCmd(g))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (g *globals) baseURL() string {
	return strings.TrimRight(g.server, "/")
}
