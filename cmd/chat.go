package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opengate-ai/opengate/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		sessionKey string
		oneShot    string
	)
	c := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent through the gateway",
		Long:  "Opens an interactive chat on the given session key. With -m, sends a single message and exits after the reply.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.Close()

			if oneShot != "" {
				return sendAndStream(client, sessionKey, oneShot)
			}
			return chatLoop(client, sessionKey)
		},
	}
	c.Flags().StringVarP(&sessionKey, "session", "s", "agent:main:cli", "session key")
	c.Flags().StringVarP(&oneShot, "message", "m", "", "send one message and exit")
	return c
}

func chatLoop(client *wsClient, sessionKey string) error {
	fmt.Printf("connected — session %s (ctrl-d to quit)\n", sessionKey)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := sendAndStream(client, sessionKey, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// sendAndStream issues chat.send and prints the delta stream until the run
// reaches a terminal event.
func sendAndStream(client *wsClient, sessionKey, message string) error {
	var sent struct {
		RunID string `json:"runId"`
	}
	err := client.CallInto(protocol.MethodChatSend, map[string]any{
		"sessionKey": sessionKey,
		"message":    message,
	}, &sent)
	if err != nil {
		return err
	}

	for ev := range client.Events() {
		switch ev.Event {
		case protocol.EventChatDelta:
			var p protocol.ChatDeltaPayload
			if json.Unmarshal(ev.Payload, &p) != nil || p.RunID != sent.RunID {
				continue
			}
			fmt.Print(p.Text)

		case protocol.EventChatToolStart:
			var p protocol.ChatToolStartPayload
			if json.Unmarshal(ev.Payload, &p) != nil || p.RunID != sent.RunID {
				continue
			}
			fmt.Printf("\n[tool: %s]\n", p.Name)

		case protocol.EventChatFinal:
			var p protocol.ChatFinalPayload
			if json.Unmarshal(ev.Payload, &p) != nil || p.RunID != sent.RunID {
				continue
			}
			fmt.Println()
			return nil

		case protocol.EventChatAborted:
			var p protocol.ChatAbortedPayload
			if json.Unmarshal(ev.Payload, &p) != nil || p.RunID != sent.RunID {
				continue
			}
			fmt.Println("\n[aborted]")
			return nil

		case protocol.EventChatError:
			var p protocol.ChatErrorPayload
			if json.Unmarshal(ev.Payload, &p) != nil || p.RunID != sent.RunID {
				continue
			}
			return fmt.Errorf("run failed: %s", p.Message)

		case protocol.EventShutdown:
			return fmt.Errorf("gateway is shutting down")
		}
	}
	return fmt.Errorf("connection closed mid-run")
}
