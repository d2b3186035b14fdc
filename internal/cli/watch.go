package cli

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func watchCmd(g *globals) *cobra.Command {
	var joins []string
	var count int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the realtime gateway and print every pushed envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			frames, err := joinFrames(joins)
			if err != nil {
				return err
			}
			wsURL, err := gatewayURL(g.baseURL(), g.token)
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)

			ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			defer ws.Close()
			stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
			defer stop()

			for _, f := range frames {
				if err := ws.WriteJSON(f); err != nil {
					return fmt.Errorf("join: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			for seen := 0; count <= 0 || seen < count; seen++ {
				_, msg, err := ws.ReadMessage()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("read: %w", err)
				}
				fmt.Fprintln(out, string(msg))
			}
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&joins, "join", nil, "record to join presence on, as entityType:recordId (repeatable)")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many envelopes (0 runs until interrupted)")
	return cmd
}

func gatewayURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func joinFrames(joins []string) ([]map[string]any, error) {
	var out []map[string]any
	for _, j := range joins {
		entityType, rawID, ok := strings.Cut(j, ":")
		if !ok || strings.TrimSpace(entityType) == "" {
			return nil, fmt.Errorf("--join %q: want entityType:recordId", j)
		}
		recordID, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("--join %q: %w", j, err)
		}
		out = append(out, map[string]any{
			"method": "joinRecordPresence",
			"params": map[string]any{"entityType": entityType, "recordId": recordID},
		})
	}
	return out, nil
}
