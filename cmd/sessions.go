package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opengate-ai/opengate/internal/sessions"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage agent sessions",
	}
	c.AddCommand(sessionsListCmd(), sessionsResetCmd(), sessionsDeleteCmd(), sessionsPatchCmd())
	return c
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Sessions []sessions.ListItem `json:"sessions"`
			}
			if err := client.CallInto(protocol.MethodSessionsList, nil, &out); err != nil {
				return err
			}
			if len(out.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, it := range out.Sessions {
				age := "never"
				if it.UpdatedAt > 0 {
					age = time.Since(time.UnixMilli(it.UpdatedAt)).Truncate(time.Second).String() + " ago"
				}
				line := fmt.Sprintf("%-40s  %-10s  %s", it.Key, it.Channel, age)
				if it.ModelOverride != "" {
					line += "  model=" + it.ModelOverride
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func sessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Clear a session's history, keeping its settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()
			if _, err := client.Call(protocol.MethodSessionsReset, map[string]any{"sessionKey": args[0]}); err != nil {
				return err
			}
			fmt.Println("reset", args[0])
			return nil
		},
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a session entirely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()
			if _, err := client.Call(protocol.MethodSessionsDelete, map[string]any{"sessionKey": args[0]}); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func sessionsPatchCmd() *cobra.Command {
	var (
		model           string
		provider        string
		queueMode       string
		groupActivation string
		sendPolicy      string
	)
	c := &cobra.Command{
		Use:   "patch <key>",
		Short: "Update per-session settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"sessionKey": args[0]}
			if model != "" {
				params["model"] = model
			}
			if provider != "" {
				params["modelProvider"] = provider
			}
			if queueMode != "" {
				params["queueMode"] = queueMode
			}
			if groupActivation != "" {
				params["groupActivation"] = groupActivation
			}
			if sendPolicy != "" {
				params["sendPolicy"] = sendPolicy
			}
			if len(params) == 1 {
				return fmt.Errorf("nothing to patch")
			}

			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()
			if _, err := client.Call(protocol.MethodSessionsPatch, params); err != nil {
				return err
			}
			fmt.Println("patched", args[0])
			return nil
		},
	}
	c.Flags().StringVar(&model, "model", "", "model override (\"default\" to clear)")
	c.Flags().StringVar(&provider, "provider", "", "provider override (\"default\" to clear)")
	c.Flags().StringVar(&queueMode, "queue-mode", "", "queue mode: queue or interrupt")
	c.Flags().StringVar(&groupActivation, "group-activation", "", "group activation: mention or always")
	c.Flags().StringVar(&sendPolicy, "send-policy", "", "send policy: allow or deny")
	return c
}
