package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/matheus3301/convo/internal/conversation"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream conversation state until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watch(ctx, func(s conversation.Snapshot) {
			if !jsonFlag {
				fmt.Print("\033[H\033[2J")
			}
			printSnapshot(s)
		})
	},
}

// watch reads snapshots from the daemon's WebSocket stream and hands each
// one to fn until ctx ends or the daemon closes the stream.
func watch(ctx context.Context, fn func(conversation.Snapshot)) error {
	addr, err := daemonAddr()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/v1/ws", nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(8 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		var s conversation.Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			logger.Warn("skipping malformed snapshot", zap.Error(err))
			continue
		}
		fn(s)
	}
}
