package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/laterpay/internal/access"
	"github.com/terminal-bench/laterpay/internal/approval"
	"github.com/terminal-bench/laterpay/internal/auth"
	"github.com/terminal-bench/laterpay/internal/engine"
	"github.com/terminal-bench/laterpay/internal/token"
)

type testServer struct {
	srv  *httptest.Server
	bank *token.MemoryBank
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	acl, err := access.NewControl(context.Background(), "owner", access.NewMemoryStore(), nil)
	require.NoError(t, err)

	bank := token.NewMemoryBank(6)
	eng := engine.New(engine.Config{Account: "laterpay-engine", TokenID: "tusdt"},
		approval.NewMemoryStore(), acl, bank, nil, nil)

	gw := New(eng, bank, auth.NewService("test-secret", time.Hour))
	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, bank: bank}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var fields map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fields))
	return resp, fields
}

func (ts *testServer) tokenFor(t *testing.T, account string) string {
	t.Helper()
	resp, fields := ts.request(t, http.MethodPost, "/auth/token", "", map[string]string{"account": account})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok string
	require.NoError(t, json.Unmarshal(fields["token"], &tok))
	return tok
}

func str(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApproveAndExecuteFlow(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	userTok := ts.tokenFor(t, "user")
	ownerTok := ts.tokenFor(t, "owner")

	require.NoError(t, ts.bank.Mint(ctx, "user", dec("1000")))
	require.NoError(t, ts.bank.Approve(ctx, "user", "laterpay-engine", dec("100")))

	// Record an approval already due so the flow can settle immediately.
	resp, fields := ts.request(t, http.MethodPost, "/api/v1/approvals", userTok, map[string]interface{}{
		"amount":   "100",
		"due_date": time.Now().Add(-time.Minute),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var id int64
	require.NoError(t, json.Unmarshal(fields["approval_id"], &id))
	assert.Equal(t, int64(0), id)

	// Readiness is visible without authentication.
	resp, fields = ts.request(t, http.MethodGet,
		fmt.Sprintf("/api/v1/users/user/approvals/%d/can-execute", id), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ready bool
	require.NoError(t, json.Unmarshal(fields["ready"], &ready))
	assert.True(t, ready)

	// The owner (an admin) executes.
	resp, fields = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/users/user/approvals/%d/execute", id), ownerTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "true", string(fields["executed"]))
	assert.Equal(t, "100", str(t, fields["actual_amount"]))

	// Settled funds landed with the owner; the engine holds nothing.
	resp, fields = ts.request(t, http.MethodGet, "/api/v1/token/balance/owner", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "100", str(t, fields["balance"]))

	resp, fields = ts.request(t, http.MethodGet, "/api/v1/contract-balance", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", str(t, fields["balance"]))

	// Replays conflict.
	resp, _ = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/users/user/approvals/%d/execute", id), ownerTok, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExecutionStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	userTok := ts.tokenFor(t, "user")
	ownerTok := ts.tokenFor(t, "owner")
	strangerTok := ts.tokenFor(t, "stranger")

	require.NoError(t, ts.bank.Mint(ctx, "user", dec("1000")))
	require.NoError(t, ts.bank.Approve(ctx, "user", "laterpay-engine", dec("100")))

	resp, _ := ts.request(t, http.MethodPost, "/api/v1/approvals", userTok, map[string]interface{}{
		"amount":   "100",
		"due_date": time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	t.Run("missing auth is 401", func(t *testing.T) {
		resp, _ := ts.request(t, http.MethodPost, "/api/v1/users/user/approvals/0/execute", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("non-admin is 403", func(t *testing.T) {
		resp, _ := ts.request(t, http.MethodPost, "/api/v1/users/user/approvals/0/execute", strangerTok, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("before due date is 409", func(t *testing.T) {
		resp, fields := ts.request(t, http.MethodPost, "/api/v1/users/user/approvals/0/execute", ownerTok, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "due date not reached", str(t, fields["error"]))
	})

	t.Run("unknown approval id is 404", func(t *testing.T) {
		resp, _ := ts.request(t, http.MethodPost, "/api/v1/users/user/approvals/42/execute", ownerTok, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("zero amount approval is 400", func(t *testing.T) {
		resp, _ := ts.request(t, http.MethodPost, "/api/v1/approvals", userTok, map[string]interface{}{
			"amount":   "0",
			"due_date": time.Now().Add(time.Hour),
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("emergency path ignores the due date but not the role", func(t *testing.T) {
		resp, _ := ts.request(t, http.MethodPost, "/api/v1/users/user/approvals/0/emergency-withdraw", strangerTok, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, fields := ts.request(t, http.MethodPost, "/api/v1/users/user/approvals/0/emergency-withdraw", ownerTok, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, "true", string(fields["executed"]))
	})
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)

	ownerTok := ts.tokenFor(t, "owner")
	xTok := ts.tokenFor(t, "x")

	resp, _ := ts.request(t, http.MethodPost, "/api/v1/admins", ownerTok, map[string]string{"account": "x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, fields := ts.request(t, http.MethodGet, "/api/v1/admins/x", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "true", string(fields["admin"]))

	// Admins cannot manage the set.
	resp, _ = ts.request(t, http.MethodPost, "/api/v1/admins", xTok, map[string]string{"account": "y"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodDelete, "/api/v1/admins/x", ownerTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, fields = ts.request(t, http.MethodGet, "/api/v1/admins/x", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "false", string(fields["admin"]))

	resp, fields = ts.request(t, http.MethodGet, "/api/v1/owner", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "owner", str(t, fields["owner"]))

	resp, fields = ts.request(t, http.MethodGet, "/api/v1/payment-token", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tusdt", str(t, fields["payment_token"]))
}

func TestTokenEndpoints(t *testing.T) {
	ts := newTestServer(t)

	ownerTok := ts.tokenFor(t, "owner")
	userTok := ts.tokenFor(t, "user")

	t.Run("mint is owner-only", func(t *testing.T) {
		resp, _ := ts.request(t, http.MethodPost, "/api/v1/token/mint", userTok, map[string]string{
			"account": "user", "amount": "1000",
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, _ = ts.request(t, http.MethodPost, "/api/v1/token/mint", ownerTok, map[string]string{
			"account": "user", "amount": "1000",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("approve defaults the spender to the engine", func(t *testing.T) {
		resp, _ := ts.request(t, http.MethodPost, "/api/v1/token/approve", userTok, map[string]string{
			"amount": "250",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, fields := ts.request(t, http.MethodGet, "/api/v1/token/allowance/user/laterpay-engine", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "250", str(t, fields["allowance"]))
	})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
