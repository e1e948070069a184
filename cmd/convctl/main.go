package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/lock"
	"github.com/matheus3301/convo/internal/logging"
	"github.com/matheus3301/convo/internal/session"
)

var (
	sessionFlag string
	addrFlag    string
	jsonFlag    bool
	debugFlag   bool

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "convctl",
	Short:         "Control a running convd session",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.NewConsole(debugFlag)
		return session.ValidateName(session.Resolve(sessionFlag))
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	pf.StringVar(&addrFlag, "addr", "", "daemon HTTP address (default: read from the session lock)")
	pf.BoolVar(&jsonFlag, "json", false, "output in JSON format")
	pf.BoolVar(&debugFlag, "debug", false, "log requests to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func sessionName() string {
	return session.Resolve(sessionFlag)
}

// daemonAddr finds the HTTP address of the session's daemon.
func daemonAddr() (string, error) {
	if addrFlag != "" {
		return addrFlag, nil
	}
	name := sessionName()
	info, err := lock.Read(session.Dir(name))
	if errors.Is(err, lock.ErrNotRunning) {
		return "", fmt.Errorf("no daemon running for session %q", name)
	}
	if err != nil {
		return "", err
	}
	if info.HTTPAddr == "" {
		return "", fmt.Errorf("daemon for session %q (pid %d) is still starting", name, info.PID)
	}
	return info.HTTPAddr, nil
}

type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Code, e.Message)
}

// call sends a JSON request to the daemon and decodes the response into out
// when out is non-nil.
func call(ctx context.Context, method, path string, in, out any) error {
	addr, err := daemonAddr()
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()
	logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 10*time.Second)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
