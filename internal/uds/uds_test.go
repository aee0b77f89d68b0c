package uds

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	req, err := NewRequest("status", map[string]string{"run_id": "run_1771722000_a3f2b7c1"})
	require.NoError(t, err)

	go func() {
		_ = WriteFrame(client, req)
	}()

	var got Request
	require.NoError(t, ReadFrame(server, &got))
	assert.Equal(t, ProtocolVersion, got.ProtocolVersion)
	assert.Equal(t, "status", got.Command)

	var params map[string]string
	require.NoError(t, json.Unmarshal(got.Params, &params))
	assert.Equal(t, "run_1771722000_a3f2b7c1", params["run_id"])
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	server := NewServer(socketPath)
	t.Cleanup(func() { _ = server.Stop() })
	return server, socketPath
}

func TestServer_DispatchesToHandler(t *testing.T) {
	server, socketPath := startTestServer(t)
	server.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(map[string]bool{"pong": true})
	})
	require.NoError(t, server.Start())

	resp, err := NewClient(socketPath).SendCommand("ping", nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var data map[string]bool
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.True(t, data["pong"])
}

func TestServer_UnknownCommand(t *testing.T) {
	server, socketPath := startTestServer(t)
	require.NoError(t, server.Start())

	resp, err := NewClient(socketPath).SendCommand("frobnicate", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)
}

func TestServer_ProtocolMismatch(t *testing.T) {
	server, socketPath := startTestServer(t)
	server.Handle("ping", func(req *Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())

	resp, err := NewClient(socketPath).Send(&Request{ProtocolVersion: 99, Command: "ping"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_HandlerErrorsReachClient(t *testing.T) {
	server, socketPath := startTestServer(t)
	server.Handle("status", func(req *Request) *Response {
		return ErrorResponse(ErrCodeNotFound, "run not found: run_x")
	})
	require.NoError(t, server.Start())

	resp, err := NewClient(socketPath).SendCommand("status", map[string]string{"run_id": "run_x"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "run_x")
}

func TestServer_StaleSocketReplaced(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")

	first := NewServer(socketPath)
	require.NoError(t, first.Start())
	require.NoError(t, first.Stop())

	// A second daemon start must succeed even if the socket file lingers.
	second := NewServer(socketPath)
	second.Handle("ping", func(req *Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, second.Start())
	defer second.Stop()

	resp, err := NewClient(socketPath).SendCommand("ping", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestClient_NoDaemon(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := client.Send(&Request{ProtocolVersion: ProtocolVersion, Command: "ping"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "factoryd daemon")
}
