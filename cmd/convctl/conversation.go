package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/convo/internal/conversation"
	"github.com/matheus3301/convo/internal/model"
)

var channelFlag string

func init() {
	rootCmd.AddCommand(contactsCmd, selectCmd, messagesCmd, sendCmd, retryCmd, readCmd, onlineCmd, offlineCmd, inboundCmd)
	contactsCmd.Flags().Bool("refresh", false, "reload contacts from the backend first")
	messagesCmd.Flags().Bool("refresh", false, "refetch history first")
	for _, c := range []*cobra.Command{sendCmd, inboundCmd} {
		c.Flags().StringVarP(&channelFlag, "channel", "c", string(model.ChannelWhatsApp), "channel: whatsapp, email or call")
	}
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var snap conversation.Snapshot
		if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
			if err := call(ctx, "POST", "/v1/contacts/refresh", nil, &snap); err != nil {
				return err
			}
		} else if err := call(ctx, "GET", "/v1/state", nil, &snap); err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(snap.Contacts)
			return nil
		}
		for _, c := range snap.Contacts {
			mark := " "
			if snap.Selected != nil && snap.Selected.ID == c.ID {
				mark = "*"
			}
			fmt.Printf("%s %-12s %s\n", mark, c.ID, c.Name)
		}
		return nil
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <contact-id>",
	Short: "Open the conversation with a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var snap conversation.Snapshot
		if err := call(ctx, "POST", "/v1/select", map[string]string{"contact_id": args[0]}, &snap); err != nil {
			return err
		}
		printSnapshot(snap)
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show the selected conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		path, method := "/v1/state", "GET"
		if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
			path, method = "/v1/messages/refresh", "POST"
		}
		var snap conversation.Snapshot
		if err := call(ctx, method, path, nil, &snap); err != nil {
			return err
		}
		printSnapshot(snap)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>...",
	Short: "Send a message to the selected contact",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		body := map[string]string{"body": strings.Join(args, " "), "channel": channelFlag}
		var snap conversation.Snapshot
		if err := call(ctx, "POST", "/v1/messages", body, &snap); err != nil {
			return err
		}
		printSnapshot(snap)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <temp-id>",
	Short: "Requeue a message that exhausted its retries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var snap conversation.Snapshot
		if err := call(ctx, "POST", "/v1/pending/"+args[0]+"/retry", nil, &snap); err != nil {
			return err
		}
		printSnapshot(snap)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Mark the selected conversation as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		return call(ctx, "POST", "/v1/read", nil, nil)
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Report the network as reachable",
	RunE:  func(cmd *cobra.Command, args []string) error { return setConnectivity(cmd, true) },
}

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Report the network as unreachable",
	RunE:  func(cmd *cobra.Command, args []string) error { return setConnectivity(cmd, false) },
}

func setConnectivity(cmd *cobra.Command, online bool) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	var resp struct {
		Online bool   `json:"online"`
		Link   string `json:"link"`
	}
	if err := call(ctx, "POST", "/v1/connectivity", map[string]bool{"online": online}, &resp); err != nil {
		return err
	}
	if jsonFlag {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Link: %s\n", resp.Link)
	return nil
}

var inboundCmd = &cobra.Command{
	Use:   "inbound <contact-id> <text>...",
	Short: "Inject a message from a contact",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		body := map[string]string{"contact_id": args[0], "body": strings.Join(args[1:], " "), "channel": channelFlag}
		var m model.Message
		if err := call(ctx, "POST", "/v1/inbound", body, &m); err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(m)
			return nil
		}
		fmt.Printf("stored %s\n", m.ID)
		return nil
	},
}

func printSnapshot(s conversation.Snapshot) {
	if jsonFlag {
		outputJSON(s)
		return
	}
	if s.Selected == nil {
		fmt.Println("No conversation selected.")
		return
	}
	state := "offline"
	if s.Online {
		state = "online"
	}
	fmt.Printf("== %s (%s) [%s]\n", s.Selected.Name, s.Selected.ID, state)
	for _, m := range s.Messages {
		who := s.Selected.Name
		if m.Sender == model.SenderOperator {
			who = "you"
		}
		line := fmt.Sprintf("%s  %-8s %-8s %s", m.CreatedAt.Local().Format("15:04"), m.Channel, who, m.Body)
		switch {
		case m.Queued:
			line += "  (queued " + m.TempID + ")"
		case m.ID == "":
			line += "  (" + string(m.Status) + " " + m.TempID + ")"
		case who == "you":
			line += "  (" + string(m.Status) + ")"
		}
		fmt.Println(line)
	}
	for _, t := range s.Typing {
		fmt.Printf("   %s is typing (%s)\n", s.Selected.Name, t.Channel)
	}
	if s.Error != "" {
		fmt.Printf("!! %s\n", s.Error)
	}
}
