package uds

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func startTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(socketPath)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, NewClient(socketPath)
}

func TestRequestResponse(t *testing.T) {
	srv, client := startTestServer(t)

	srv.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})

	resp, err := client.SendCommand("ping", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success {
		t.Fatalf("response not successful: %+v", resp.Error)
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["status"] != "ok" {
		t.Errorf("status = %q, want ok", data["status"])
	}
}

func TestParamsRoundTrip(t *testing.T) {
	srv, client := startTestServer(t)

	type addParams struct {
		Title    string `json:"title"`
		Priority int    `json:"priority"`
	}

	srv.Handle("add", func(req *Request) *Response {
		var p addParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(p)
	})

	resp, err := client.SendCommand("add", addParams{Title: "fix login", Priority: 1})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var got addParams
	if err := json.Unmarshal(resp.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Title != "fix login" || got.Priority != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, client := startTestServer(t)

	resp, err := client.SendCommand("nonexistent", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("code = %q, want %q", resp.Error.Code, ErrCodeUnknownCommand)
	}
}

func TestProtocolMismatch(t *testing.T) {
	_, client := startTestServer(t)

	req := &Request{ProtocolVersion: 99, Command: "ping"}
	resp, err := client.Send(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected protocol mismatch, got %+v", resp)
	}
}

func TestClientConnectFailure(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "no.sock"))
	if _, err := client.SendCommand("ping", nil); err == nil {
		t.Error("expected connect error against missing socket")
	}
}
