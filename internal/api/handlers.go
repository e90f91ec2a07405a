package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/0xedev/Buster-market/internal/access"
	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/vault"
)

type createMarketRequest struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Duration string   `json:"duration"` // Go duration, e.g. "72h"
}

type permitRequest struct {
	Value     string `json:"value"`
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"` // 0x-prefixed 65-byte signature
}

type stakeRequest struct {
	Option int            `json:"option"`
	Amount string         `json:"amount"`
	Permit *permitRequest `json:"permit,omitempty"`
}

type resolveRequest struct {
	Outcome int `json:"outcome"` // 1-based option number
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type distributeRequest struct {
	BatchSize int `json:"batch_size"`
}

type distributeAllRequest struct {
	MarketIDs []uint64 `json:"market_ids"`
	BatchSize int      `json:"batch_size"`
}

type grantRequest struct {
	Capability string `json:"capability"`
	User       string `json:"user"`
}

type approveRequest struct {
	Amount string `json:"amount"`
}

// handleHealth reports liveness.
// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"markets": s.ledger.MarketCount(),
		"users":   s.ledger.UserCount(),
	})
}

// POST /api/markets
func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req createMarketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duration: "+err.Error())
		return
	}

	id, err := s.ledger.CreateMarket(r.Context(), caller, req.Question, req.Options, duration)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	m, err := s.ledger.Market(id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMarketResponse(m, s.now()))
}

// GET /api/markets?offset=0&limit=50
func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	offset, limit := listOpts(r)
	now := s.now()
	markets := s.ledger.Markets(offset, limit)
	out := make([]marketResponse, len(markets))
	for i, m := range markets {
		out[i] = newMarketResponse(m, now)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": out,
		"total":   s.ledger.MarketCount(),
	})
}

// GET /api/markets/{id}
func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := s.ledger.Market(id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketResponse(m, s.now()))
}

// POST /api/markets/{id}/stake
func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req stakeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}

	var err error
	if req.Permit != nil {
		permit, ok := s.buildPermit(w, caller, req.Permit)
		if !ok {
			return
		}
		err = s.ledger.StakeWithPermit(r.Context(), caller, id, req.Option, amount, permit)
	} else {
		err = s.ledger.Stake(r.Context(), caller, id, req.Option, amount)
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	m, err := s.ledger.Market(id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketResponse(m, s.now()))
}

func (s *Server) buildPermit(w http.ResponseWriter, owner string, req *permitRequest) (vault.Permit, bool) {
	value, ok := parseAmount(w, "permit.value", req.Value)
	if !ok {
		return vault.Permit{}, false
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid permit.signature: "+err.Error())
		return vault.Permit{}, false
	}
	return vault.Permit{
		Owner:     owner,
		Spender:   s.escrow,
		Value:     value,
		Nonce:     req.Nonce,
		Deadline:  req.Deadline,
		Signature: sig,
	}, true
}

// POST /api/markets/{id}/resolve
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Outcome < 1 || req.Outcome > models.MaxOptions {
		writeError(w, http.StatusBadRequest, "outcome must be a 1-based option number")
		return
	}
	if err := s.ledger.Resolve(r.Context(), caller, id, models.Outcome(req.Outcome)); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	s.handleGetMarket(w, r)
}

// POST /api/markets/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ledger.Cancel(r.Context(), caller, id, strings.TrimSpace(req.Reason)); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	s.handleGetMarket(w, r)
}

// POST /api/markets/{id}/refund
func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	refund, err := s.ledger.RefundCancelled(r.Context(), caller, id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"user":      caller,
		"refunded":  refund.Dec(),
	})
}

// POST /api/markets/{id}/distribute
func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req := distributeRequest{BatchSize: s.defaultBatch}
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	res, err := s.ledger.DistributeBatch(r.Context(), caller, id, req.BatchSize)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBatchResponse(res))
}

// POST /api/admin/distribute runs batches until every listed market is fully paid out.
func (s *Server) handleDistributeAll(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	req := distributeAllRequest{BatchSize: s.defaultBatch}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.MarketIDs) == 0 {
		writeError(w, http.StatusBadRequest, "market_ids must not be empty")
		return
	}
	batches, err := s.ledger.DistributeAll(r.Context(), caller, req.MarketIDs, req.BatchSize, s.workers)
	resp := map[string]any{"batches": batches}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/markets/{id}/progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.ledger.DistributionProgress(id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProgressResponse(p))
}

// GET /api/markets/{id}/voters?option=0&offset=0&limit=50
func (s *Server) handleVoters(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	option, err := strconv.Atoi(r.URL.Query().Get("option"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "option query parameter is required")
		return
	}
	offset, limit := listOpts(r)
	voters, total, err := s.ledger.VotersByOption(id, option, offset, limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	out := make([]voterResponse, len(voters))
	for i, v := range voters {
		out[i] = voterResponse{User: v.User, Amount: v.Amount.Dec()}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"voters": out,
		"total":  total,
	})
}

// GET /api/leaderboard?offset=0&limit=50
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	offset, limit := listOpts(r)
	entries := s.ledger.Leaderboard(offset, limit)
	out := make([]leaderboardEntry, len(entries))
	for i, e := range entries {
		out[i] = leaderboardEntry{
			Rank:          e.Rank,
			User:          e.User,
			TotalWinnings: e.TotalWinnings.Dec(),
			VoteCount:     e.VoteCount,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": out,
		"total":   s.ledger.UserCount(),
	})
}

// GET /api/users/{user}
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	user := vault.Normalize(r.PathValue("user"))
	p, ok := s.ledger.Profile(user)
	if !ok {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, newProfileResponse(p, s.ledger.ActiveMarkets(user)))
}

// GET /api/users/{user}/votes?offset=0&limit=50
func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	user := vault.Normalize(r.PathValue("user"))
	offset, limit := listOpts(r)
	votes, err := s.ledger.VoteHistory(user, offset, limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	out := make([]voteResponse, len(votes))
	for i, v := range votes {
		out[i] = voteResponse{
			ID:        v.ID,
			MarketID:  v.MarketID,
			Option:    v.Option,
			Amount:    v.Amount.Dec(),
			Timestamp: v.Timestamp,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"votes": out})
}

// GET /api/users/{user}/markets?offset=0&limit=50
func (s *Server) handleUserMarkets(w http.ResponseWriter, r *http.Request) {
	user := vault.Normalize(r.PathValue("user"))
	offset, limit := listOpts(r)
	activities := s.ledger.UserMarkets(user, offset, limit)
	out := make([]activityResponse, len(activities))
	for i, a := range activities {
		out[i] = newActivityResponse(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

// GET /api/users/{user}/markets/{id}
func (s *Server) handleUserMarket(w http.ResponseWriter, r *http.Request) {
	user := vault.Normalize(r.PathValue("user"))
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := s.ledger.UserMarket(user, id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserMarketResponse(d))
}

// POST /api/admin/grants and DELETE /api/admin/grants
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := access.ParseCapability(req.Capability)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := vault.Normalize(req.User)

	if r.Method == http.MethodDelete {
		err = s.access.Revoke(caller, c, user)
	} else {
		err = s.access.Grant(caller, c, user)
	}
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeLedgerError(w, r, err)
		return
	}
	logger.Info("Capability %s %s for %s by %s", c, strings.ToLower(r.Method), user, caller)
	writeJSON(w, http.StatusOK, map[string]any{
		"capability": c,
		"holders":    s.access.Holders(c),
	})
}

// GET /api/accounts/{account}
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account := vault.Normalize(r.PathValue("account"))
	writeJSON(w, http.StatusOK, accountResponse{
		Account:   account,
		Balance:   s.vault.BalanceOf(account).Dec(),
		Allowance: s.vault.Allowance(account, s.escrow).Dec(),
		Nonce:     s.vault.Nonce(account),
	})
}

// POST /api/accounts/approve sets the caller's escrow allowance.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}
	if err := s.vault.Approve(caller, s.escrow, amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Account:   caller,
		Balance:   s.vault.BalanceOf(caller).Dec(),
		Allowance: s.vault.Allowance(caller, s.escrow).Dec(),
		Nonce:     s.vault.Nonce(caller),
	})
}

// GET /api/events?market=0&limit=50
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "event log is disabled")
		return
	}
	var marketID uint64
	if v := r.URL.Query().Get("market"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid market filter")
			return
		}
		marketID = id
	}
	_, limit := listOpts(r)
	events, err := s.events.RecentEvents(marketID, limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// parseAmount parses a decimal amount of base units, writing 400 on failure.
func parseAmount(w http.ResponseWriter, field, s string) (*uint256.Int, bool) {
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+field+": "+err.Error())
		return nil, false
	}
	return amount, true
}
