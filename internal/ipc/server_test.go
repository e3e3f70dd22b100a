package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

type fakeHandler struct {
	registeredKey string
}

func (f *fakeHandler) Status(context.Context) (Response, error) {
	return Response{Type: ResponseStatus, Running: true, TunnelCount: 2}, nil
}

func (f *fakeHandler) Register(_ context.Context, invitationKey string) error {
	if invitationKey == "" {
		return errors.New("missing invitation key")
	}
	f.registeredKey = invitationKey
	return nil
}

func (f *fakeHandler) GetConfig(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"controller_url":"https://example"}`), nil
}

func (f *fakeHandler) Shutdown(context.Context) error {
	return nil
}

func (f *fakeHandler) NATType(_ context.Context, family string) (Response, error) {
	resp := Response{Type: ResponseNATType}
	if family != "6" {
		resp.NATTypeIPv4 = "open_internet"
	}
	if family == "6" {
		resp.NATTypeIPv6 = "endpoint_independent_no_filtering"
	}
	return resp, nil
}

func startTestServer(t *testing.T, handler Handler, secret string) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := NewServer(handler, secret, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sockPath
}

func TestClientServerStatusRoundTrip(t *testing.T) {
	sockPath := startTestServer(t, &fakeHandler{}, "s3cr3t")
	client := NewClient(sockPath, "s3cr3t")

	resp, err := client.Call(Request{Type: RequestStatus})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Type != ResponseStatus || !resp.Running || resp.TunnelCount != 2 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestClientServerWrongSecretIsRejected(t *testing.T) {
	sockPath := startTestServer(t, &fakeHandler{}, "s3cr3t")
	client := NewClient(sockPath, "wrong")

	resp, err := client.Call(Request{Type: RequestStatus})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Type != ResponseError {
		t.Errorf("expected error response for wrong secret, got %+v", resp)
	}
}

func TestClientServerRegisterForwardsInvitationKey(t *testing.T) {
	handler := &fakeHandler{}
	sockPath := startTestServer(t, handler, "s3cr3t")
	client := NewClient(sockPath, "s3cr3t")

	resp, err := client.Call(Request{Type: RequestRegister, InvitationKey: "invite-123"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Type != ResponseOK {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if handler.registeredKey != "invite-123" {
		t.Errorf("handler.registeredKey = %q, want invite-123", handler.registeredKey)
	}
}

func TestClientServerGetConfig(t *testing.T) {
	sockPath := startTestServer(t, &fakeHandler{}, "s3cr3t")
	client := NewClient(sockPath, "s3cr3t")

	resp, err := client.Call(Request{Type: RequestGetConfig})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Type != ResponseConfig {
		t.Fatalf("unexpected response type: %+v", resp)
	}
	var cfg struct {
		ControllerURL string `json:"controller_url"`
	}
	if err := json.Unmarshal(resp.Config, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg.ControllerURL != "https://example" {
		t.Errorf("ControllerURL = %q, want https://example", cfg.ControllerURL)
	}
}

func TestClientServerUnknownRequestType(t *testing.T) {
	sockPath := startTestServer(t, &fakeHandler{}, "s3cr3t")
	client := NewClient(sockPath, "s3cr3t")

	resp, err := client.Call(Request{Type: "bogus"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Type != ResponseError {
		t.Errorf("expected error response for unknown type, got %+v", resp)
	}
}

func TestClientServerNATTypeRoundTrip(t *testing.T) {
	sockPath := startTestServer(t, &fakeHandler{}, "s3cr3t")
	client := NewClient(sockPath, "s3cr3t")

	resp, err := client.Call(Request{Type: RequestNATType, Family: "4"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Type != ResponseNATType || resp.NATTypeIPv4 != "open_internet" || resp.NATTypeIPv6 != "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ctl.sock")

	ln1, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	ln1.Close()

	ln2, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("second Listen (stale socket): %v", err)
	}
	ln2.Close()
}
