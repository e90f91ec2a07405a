package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xedev/Buster-market/internal/access"
	"github.com/0xedev/Buster-market/internal/ledger"
	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/vault"
)

const (
	owner  = "owner"
	escrow = "escrow"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	t      *testing.T
	clock  *testClock
	vault  *vault.Vault
	ledger *ledger.Ledger
	hub     *Hub
	handler http.Handler
	srv     *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:     t,
		clock: &testClock{t: time.Now()},
		vault: vault.New(),
		hub:   NewHub(),
	}
	e.vault.SetClock(e.clock.Now)
	reg := access.NewRegistry(owner)
	e.ledger = ledger.New(e.vault.Escrow(escrow), reg, e.hub, ledger.Config{Now: e.clock.Now})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.hub.Run(ctx) }()

	s := NewServer(Config{DefaultBatchSize: 2}, Deps{
		Ledger: e.ledger,
		Access: reg,
		Vault:  e.vault,
		Escrow: escrow,
		Hub:    e.hub,
		Now:    e.clock.Now,
	})
	e.handler = s.Handler()
	e.srv = httptest.NewServer(e.handler)
	t.Cleanup(func() {
		e.srv.Close()
		cancel()
	})
	return e
}

func (e *env) do(method, path, user string, body any) (int, map[string]any) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(e.t, err)
	if user != "" {
		req.Header.Set(CallerHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) fund(user string, amount uint64) {
	e.t.Helper()
	require.NoError(e.t, e.vault.Mint(user, uint256.NewInt(amount)))
	code, _ := e.do(http.MethodPost, "/api/accounts/approve", user, approveRequest{Amount: "1000000"})
	require.Equal(e.t, http.StatusOK, code)
}

func (e *env) createMarket(options ...string) {
	e.t.Helper()
	code, body := e.do(http.MethodPost, "/api/markets", owner, createMarketRequest{
		Question: "Who wins?",
		Options:  options,
		Duration: "1h",
	})
	require.Equal(e.t, http.StatusCreated, code, body)
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.createMarket("A", "B")
	e.fund("alice", 100)
	e.fund("bob", 300)

	code, body := e.do(http.MethodPost, "/api/markets/1/stake", "alice", stakeRequest{Option: 0, Amount: "100"})
	require.Equal(t, http.StatusOK, code, body)
	code, body = e.do(http.MethodPost, "/api/markets/1/stake", "bob", stakeRequest{Option: 1, Amount: "300"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, []any{"100", "300"}, body["total_shares"])
	assert.Equal(t, "400", body["pool"])

	code, _ = e.do(http.MethodPost, "/api/markets/1/resolve", owner, resolveRequest{Outcome: 1})
	assert.Equal(t, http.StatusConflict, code, "resolve before end")

	e.clock.Advance(2 * time.Hour)
	code, _ = e.do(http.MethodPost, "/api/markets/1/stake", "alice", stakeRequest{Option: 0, Amount: "1"})
	assert.Equal(t, http.StatusConflict, code, "stake after end")

	code, _ = e.do(http.MethodPost, "/api/markets/1/resolve", "alice", resolveRequest{Outcome: 1})
	assert.Equal(t, http.StatusForbidden, code)
	code, body = e.do(http.MethodPost, "/api/markets/1/resolve", owner, resolveRequest{Outcome: 1})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "resolved", body["state"])
	assert.Equal(t, float64(1), body["outcome"])

	code, body = e.do(http.MethodPost, "/api/markets/1/distribute", owner, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["completed"])
	assert.Equal(t, "400", body["paid"])

	code, _ = e.do(http.MethodPost, "/api/markets/1/distribute", owner, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = e.do(http.MethodGet, "/api/accounts/alice", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "400", body["balance"])

	code, body = e.do(http.MethodGet, "/api/users/bob", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "300", body["total_losses"])
	assert.Equal(t, float64(1), body["markets_lost"])

	code, body = e.do(http.MethodGet, "/api/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].(map[string]any)["user"])
	assert.Equal(t, "400", entries[0].(map[string]any)["total_winnings"])

	code, body = e.do(http.MethodGet, "/api/markets/1/progress", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(100), body["processed_percent"])

	code, body = e.do(http.MethodGet, "/api/users/alice/votes", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["votes"], 1)
	code, _ = e.do(http.MethodGet, "/api/users/alice/votes?offset=1", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCancelAndRefundOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.createMarket("A", "B", "C")
	e.fund("carol", 50)
	code, _ := e.do(http.MethodPost, "/api/markets/1/stake", "carol", stakeRequest{Option: 2, Amount: "50"})
	require.Equal(t, http.StatusOK, code)
	e.clock.Advance(2 * time.Hour)

	code, body := e.do(http.MethodPost, "/api/markets/1/cancel", owner, cancelRequest{Reason: " source unavailable "})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "cancelled", body["state"])
	assert.Equal(t, "source unavailable", body["cancel_reason"])

	code, body = e.do(http.MethodPost, "/api/markets/1/refund", "carol", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "50", body["refunded"])

	code, body = e.do(http.MethodPost, "/api/markets/1/refund", "carol", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already refunded", body["error"])

	code, body = e.do(http.MethodGet, "/api/users/carol/markets/1", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["has_claimed"])
	assert.Equal(t, "50", body["winnings"])
}

func TestStakeWithPermitOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.createMarket("A", "B")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	require.NoError(t, e.vault.Mint(addr, uint256.NewInt(70)))

	p := vault.Permit{
		Owner:    addr,
		Spender:  escrow,
		Value:    uint256.NewInt(70),
		Nonce:    0,
		Deadline: e.clock.Now().Add(time.Hour).Unix(),
	}
	sig, err := vault.SignPermit(key, p)
	require.NoError(t, err)

	code, body := e.do(http.MethodPost, "/api/markets/1/stake", addr, stakeRequest{
		Option: 1,
		Amount: "70",
		Permit: &permitRequest{Value: "70", Nonce: 0, Deadline: p.Deadline, Signature: hexutil.Encode(sig)},
	})
	require.Equal(t, http.StatusOK, code, body)

	code, body = e.do(http.MethodGet, "/api/users/"+strings.ToUpper(addr[2:]), "", nil)
	require.Equal(t, http.StatusOK, code, "address forms normalize to one identity")
	assert.Equal(t, "70", body["total_invested"])

	code, body = e.do(http.MethodGet, "/api/accounts/"+addr, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["nonce"])
}

func TestRequestValidation(t *testing.T) {
	e := newEnv(t)
	e.createMarket("A", "B")

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"missing caller", http.MethodPost, "/api/markets", "", createMarketRequest{}, http.StatusUnauthorized},
		{"bad duration", http.MethodPost, "/api/markets", owner, createMarketRequest{Question: "q", Options: []string{"a", "b"}, Duration: "soon"}, http.StatusBadRequest},
		{"one option", http.MethodPost, "/api/markets", owner, createMarketRequest{Question: "q", Options: []string{"a"}, Duration: "1h"}, http.StatusBadRequest},
		{"create without capability", http.MethodPost, "/api/markets", "mallory", createMarketRequest{Question: "q", Options: []string{"a", "b"}, Duration: "1h"}, http.StatusForbidden},
		{"unknown market", http.MethodGet, "/api/markets/9", "", nil, http.StatusNotFound},
		{"invalid id", http.MethodGet, "/api/markets/abc", "", nil, http.StatusBadRequest},
		{"zero stake", http.MethodPost, "/api/markets/1/stake", "alice", stakeRequest{Amount: "0"}, http.StatusBadRequest},
		{"bad amount", http.MethodPost, "/api/markets/1/stake", "alice", stakeRequest{Amount: "1e3"}, http.StatusBadRequest},
		{"unfunded stake", http.MethodPost, "/api/markets/1/stake", "alice", stakeRequest{Amount: "5"}, http.StatusBadGateway},
		{"unknown field", http.MethodPost, "/api/markets/1/stake", "alice", map[string]any{"amount": "1", "price": 2}, http.StatusBadRequest},
		{"outcome zero", http.MethodPost, "/api/markets/1/resolve", owner, resolveRequest{}, http.StatusBadRequest},
		{"voters without option", http.MethodGet, "/api/markets/1/voters", "", nil, http.StatusBadRequest},
		{"votes of unknown user", http.MethodGet, "/api/users/nobody/votes?offset=3", "", nil, http.StatusOK},
		{"unknown user", http.MethodGet, "/api/users/nobody", "", nil, http.StatusNotFound},
		{"events disabled", http.MethodGet, "/api/events", "", nil, http.StatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.do(tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.want, code, body)
		})
	}
}

func TestDistributeAllOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.createMarket("A", "B")
	e.createMarket("A", "B")
	for i, user := range []string{"u1", "u2", "u3", "u4", "u5"} {
		e.fund(user, 20)
		for _, id := range []string{"1", "2"} {
			code, _ := e.do(http.MethodPost, "/api/markets/"+id+"/stake", user, stakeRequest{Option: i % 2, Amount: "10"})
			require.Equal(t, http.StatusOK, code)
		}
	}
	e.clock.Advance(2 * time.Hour)
	for _, id := range []string{"1", "2"} {
		code, _ := e.do(http.MethodPost, "/api/markets/"+id+"/resolve", owner, resolveRequest{Outcome: 2})
		require.Equal(t, http.StatusOK, code)
	}

	code, _ := e.do(http.MethodPost, "/api/admin/distribute", owner, distributeAllRequest{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := e.do(http.MethodPost, "/api/admin/distribute", owner, distributeAllRequest{MarketIDs: []uint64{1, 2}})
	require.Equal(t, http.StatusOK, code, body)
	// Five participants at the default batch size of two.
	assert.Equal(t, map[string]any{"1": float64(3), "2": float64(3)}, body["batches"])

	for _, id := range []string{"1", "2"} {
		code, body = e.do(http.MethodGet, "/api/markets/"+id, "", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, body["distribution_completed"])
		assert.Equal(t, "50", body["distributed_winnings"])
	}
}

func TestGrantsOverHTTP(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(http.MethodPost, "/api/admin/grants", "dave", grantRequest{Capability: "create", User: "dave"})
	assert.Equal(t, http.StatusForbidden, code)

	code, body := e.do(http.MethodPost, "/api/admin/grants", owner, grantRequest{Capability: "create", User: "dave"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, []any{"dave"}, body["holders"])

	code, _ = e.do(http.MethodPost, "/api/markets", "dave", createMarketRequest{Question: "q", Options: []string{"a", "b"}, Duration: "1h"})
	assert.Equal(t, http.StatusCreated, code)

	code, _ = e.do(http.MethodDelete, "/api/admin/grants", owner, grantRequest{Capability: "create", User: "dave"})
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(http.MethodPost, "/api/markets", "dave", createMarketRequest{Question: "q", Options: []string{"a", "b"}, Duration: "1h"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(http.MethodPost, "/api/admin/grants", owner, grantRequest{Capability: "mint", User: "dave"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	e := newEnv(t)
	e.createMarket("A", "B")
	e.createMarket("C", "D")

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?market=2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	e.fund("alice", 10)
	code, _ := e.do(http.MethodPost, "/api/markets/1/stake", "alice", stakeRequest{Option: 0, Amount: "4"})
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(http.MethodPost, "/api/markets/2/stake", "alice", stakeRequest{Option: 1, Amount: "6"})
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventStake, ev.Type)
	assert.Equal(t, uint64(2), ev.MarketID, "market filter applies")
	assert.Equal(t, "6", ev.Amount)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ledger.ErrMarketNotFound, http.StatusNotFound},
		{access.ErrNotOwner, http.StatusForbidden},
		{ledger.ErrDistributionCompleted, http.StatusConflict},
		{ledger.ErrInvalidBatchSize, http.StatusBadRequest},
		{ledger.ErrTransferFailed, http.StatusBadGateway},
		{context.Canceled, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestDistributeBodyIsOptional(t *testing.T) {
	e := newEnv(t)
	e.createMarket("A", "B")
	e.fund("alice", 10)
	e.fund("bob", 10)
	code, body := e.do(http.MethodPost, "/api/markets/1/stake", "alice", stakeRequest{Option: 0, Amount: "10"})
	require.Equal(t, http.StatusOK, code, body)
	code, body = e.do(http.MethodPost, "/api/markets/1/stake", "bob", stakeRequest{Option: 1, Amount: "10"})
	require.Equal(t, http.StatusOK, code, body)
	e.clock.Advance(2 * time.Hour)
	code, body = e.do(http.MethodPost, "/api/markets/1/resolve", owner, resolveRequest{Outcome: 0})
	require.Equal(t, http.StatusOK, code, body)

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/markets/1/distribute", strings.NewReader(body))
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
		req.Header.Set(CallerHeader, owner)
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, send("{").Code, "malformed body is still rejected")

	rec := send("")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, true, res["completed"])
	assert.Equal(t, "20", res["paid"])
}
