package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/convo/internal/config"
)

func TestHealthFollowsConnectivity(t *testing.T) {
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "convo-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q) error = %v", service, err)
		}
		return resp.Status
	}

	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall status = %v, want SERVING", got)
	}
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status before online = %v, want NOT_SERVING", got)
	}

	srv.SetOnline(true)
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status online = %v, want SERVING", got)
	}
	srv.SetOnline(false)
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status offline = %v, want NOT_SERVING", got)
	}
}

func TestStopRemovesSocket(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "convo-sock-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	srv, err := NewServer(Params{SessionName: "fxtest", SocketPath: socketPath}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}
	srv.Stop(context.Background())
	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Errorf("socket left behind: %v", statErr)
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without
// running any constructor.
func TestFxModuleWiring(t *testing.T) {
	p := Params{
		SessionName: "fxtest",
		SocketPath:  filepath.Join(t.TempDir(), "d.sock"),
		Config:      config.Default(),
		Logger:      zap.NewNop(),
	}
	if err := fx.ValidateApp(Module(p)); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}

func TestProbe(t *testing.T) {
	code := http.StatusOK
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}))
	defer ts.Close()

	cfg := config.Default()
	if probe(cfg) != nil {
		t.Fatal("probe without URL should be nil")
	}

	cfg.Probe.URL = ts.URL
	check := probe(cfg)
	if err := check(context.Background()); err != nil {
		t.Errorf("probe(200) = %v, want nil", err)
	}
	code = http.StatusServiceUnavailable
	if err := check(context.Background()); err == nil {
		t.Error("probe(503) = nil, want error")
	}
}
