package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/convo/internal/cache"
	"github.com/matheus3301/convo/internal/daemon"
	"github.com/matheus3301/convo/internal/session"
)

func init() {
	rootCmd.AddCommand(statusCmd, cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
}

type sessionInfo struct {
	Session      string `json:"session"`
	Link         string `json:"link"`
	Online       bool   `json:"online"`
	UptimeMs     int64  `json:"uptime_ms"`
	MessageCount int64  `json:"message_count"`
	Health       string `json:"health"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var info sessionInfo
		if err := call(ctx, "GET", "/v1/session", nil, &info); err != nil {
			return err
		}
		health, err := checkHealth(ctx, session.SocketPath(sessionName()))
		if err != nil {
			health = "unknown (" + err.Error() + ")"
		}
		info.Health = health

		if jsonFlag {
			outputJSON(info)
			return nil
		}
		fmt.Printf("Session:  %s\n", info.Session)
		fmt.Printf("Link:     %s\n", info.Link)
		fmt.Printf("Online:   %v\n", info.Online)
		fmt.Printf("Health:   %s\n", info.Health)
		fmt.Printf("Messages: %d\n", info.MessageCount)
		fmt.Printf("Uptime:   %s\n", (time.Duration(info.UptimeMs) * time.Millisecond).Round(time.Second))
		return nil
	},
}

// checkHealth asks the daemon's gRPC health service whether the backend is
// reachable.
func checkHealth(ctx context.Context, socketPath string) (string, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.ServiceName})
	if err != nil {
		return "", err
	}
	return resp.Status.String(), nil
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the message cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		var s cache.Stats
		if err := call(ctx, "GET", "/v1/cache/stats", nil, &s); err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(s)
			return nil
		}
		fmt.Printf("Available: %v\n", s.Available)
		fmt.Printf("Degraded:  %v\n", s.Degraded)
		fmt.Printf("Entries:   %d\n", s.Entries)
		fmt.Printf("Pending:   %d (%d failed)\n", s.Pending, s.Failed)
		fmt.Printf("Sync:      %d\n", s.SyncRecords)
		fmt.Printf("Bytes:     %d\n", s.Bytes)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached page, pending message and sync record",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		return call(ctx, "DELETE", "/v1/cache", nil, nil)
	},
}
