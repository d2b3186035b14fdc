package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func publishCmd(g *globals) *cobra.Command {
	var scope, tenant, user, eventType, payload string
	var users []string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Push a test event through POST /internal/publish",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"scope": scope, "tenantId": tenant, "eventType": eventType}
			if _, err := uuid.Parse(tenant); err != nil {
				return fmt.Errorf("tenant: %w", err)
			}
			switch scope {
			case "tenant":
			case "user":
				if _, err := uuid.Parse(user); err != nil {
					return fmt.Errorf("user: %w", err)
				}
				body["userId"] = user
			case "users":
				body["userIds"] = users
			default:
				return fmt.Errorf("unknown scope %q (tenant, user, users)", scope)
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload is not valid json")
				}
				body["payload"] = json.RawMessage(payload)
			}

			b, err := json.Marshal(body)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmdContext(cmd), http.MethodPost, g.baseURL()+"/internal/publish", bytes.NewReader(b))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if g.token != "" {
				req.Header.Set("Authorization", "Bearer "+g.token)
			}
			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			defer resp.Body.Close()
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("publish: %s: %s", resp.Status, bytes.TrimSpace(msg))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted scope=%s event_type=%s\n", scope, eventType)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "tenant", "tenant, user or users")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&user, "user", "", "user id (scope=user)")
	cmd.Flags().StringSliceVar(&users, "users", nil, "user ids (scope=users)")
	cmd.Flags().StringVar(&eventType, "event", "", "event type")
	cmd.Flags().StringVar(&payload, "payload", "", "json payload")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}
