package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"boroledger/core/types"
	"boroledger/gateway/auth"
	"boroledger/storage"
)

const defaultListLimit = 50

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Identity string `json:"identity"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "identity required"})
		return
	}
	role, name, err := s.store.Identity(r.Context(), identity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "unknown identity"})
			return
		}
		writeError(w, err)
		return
	}
	token, err := s.tokens.Issue(identity, auth.Role(role), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": role, "name": name})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"sub":  claims.Subject,
		"role": string(claims.Role),
		"name": claims.Name,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	balance, err := s.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "balance": balance})
}

func (s *Server) handleMerchantBalance(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	if claims.Role != auth.RoleMerchant {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "merchant only"})
		return
	}
	balance, err := s.ledger.GetBalance(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"merchant_id": claims.Subject, "balance": balance})
}

func listLimit(r *http.Request) int {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.ListTransactions(r.Context(), listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(txs))
	for i := range txs {
		tx := &txs[i]
		out = append(out, map[string]any{
			"id":          tx.ID,
			"ts":          types.FormatTimestamp(tx.Timestamp),
			"ttype":       string(tx.Kind),
			"user_id":     emptyToNil(tx.UserID),
			"merchant_id": emptyToNil(tx.MerchantID),
			"amount":      tx.Amount,
			"prev_hash":   tx.PrevHash,
			"thash":       tx.Hash,
			"note":        emptyToNil(tx.Note),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type applyRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Note   string `json:"note,omitempty"`
}

// merchantSubject resolves the acting merchant for a business call: the token
// subject when the caller is a merchant, none when an admin acts directly.
func merchantSubject(r *http.Request) string {
	claims, _ := auth.FromContext(r.Context())
	if claims.Role == auth.RoleMerchant {
		return claims.Subject
	}
	return ""
}

func (s *Server) applyAndRespond(w http.ResponseWriter, r *http.Request, kind types.TxKind, userID, merchantID string, amount int64, note string) {
	receipt, err := s.ledger.Apply(r.Context(), kind, userID, merchantID, amount, note)
	if err != nil {
		s.obs.RecordApply(string(kind), "rejected")
		writeError(w, err)
		return
	}
	s.obs.RecordApply(string(kind), "ok")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tx": receipt})
}

func (s *Server) handleEarn(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.applyAndRespond(w, r, types.TxEarn, req.UserID, merchantSubject(r), req.Amount, req.Note)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.applyAndRespond(w, r, types.TxRedeem, req.UserID, merchantSubject(r), req.Amount, req.Note)
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.applyAndRespond(w, r, types.TxIssue, req.UserID, "", req.Amount, req.Note)
}

func (s *Server) handleAnchorDaily(w http.ResponseWriter, r *http.Request) {
	day := strings.TrimSpace(r.URL.Query().Get("date"))
	if day != "" {
		if _, err := time.ParseInLocation(types.DayLayout, day, time.UTC); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "date must be YYYY-MM-DD"})
			return
		}
	}
	result, err := s.anchor.AnchorDay(r.Context(), day)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExpireRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.expiry.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !result.Enabled {
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"cutoff":  types.FormatTimestamp(result.Cutoff),
		"expired": result.Expired,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts(r.Context(), listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, map[string]any{
			"ts":          types.FormatTimestamp(a.Timestamp),
			"type":        string(a.Kind),
			"merchant_id": emptyToNil(a.MerchantID),
			"user_id":     emptyToNil(a.UserID),
			"detail":      a.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if !decodeJSON(w, r, &req) {
		return
	}
	for key, value := range req {
		if err := s.store.SetSetting(r.Context(), key, fmt.Sprint(value)); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type merchantConfigRequest struct {
	MerchantID     string `json:"merchant_id"`
	RatePerMinute  int64  `json:"rate_limit_per_minute"`
	DailyEarnCap   int64  `json:"daily_earn_cap"`
	DailyRedeemCap int64  `json:"daily_redeem_cap"`
}

func (s *Server) handleMerchantConfig(w http.ResponseWriter, r *http.Request) {
	var req merchantConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	lim := types.MerchantLimits{
		MerchantID:     strings.TrimSpace(req.MerchantID),
		RatePerMinute:  req.RatePerMinute,
		DailyEarnCap:   req.DailyEarnCap,
		DailyRedeemCap: req.DailyRedeemCap,
	}
	if lim.MerchantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "merchant_id required"})
		return
	}
	if lim.RatePerMinute <= 0 {
		lim.RatePerMinute = types.DefaultRatePerMinute
	}
	if lim.DailyEarnCap <= 0 {
		lim.DailyEarnCap = types.DefaultDailyEarnCap
	}
	if lim.DailyRedeemCap <= 0 {
		lim.DailyRedeemCap = types.DefaultDailyRedeemCap
	}
	if err := s.store.SetMerchantLimits(r.Context(), lim); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSettlementCSV(w http.ResponseWriter, r *http.Request) {
	from := strings.TrimSpace(r.URL.Query().Get("date_from"))
	to := strings.TrimSpace(r.URL.Query().Get("date_to"))
	if from == "" || to == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "date_from and date_to required"})
		return
	}
	for _, day := range []string{from, to} {
		if _, err := time.ParseInLocation(types.DayLayout, day, time.UTC); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "dates must be YYYY-MM-DD"})
			return
		}
	}
	rows, err := s.store.Settlement(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	var b strings.Builder
	b.WriteString("merchant_id,merchant_name,redeemed_total,redeem_count\n")
	for _, row := range rows {
		name := strings.ReplaceAll(row.MerchantName, ",", " ")
		fmt.Fprintf(&b, "%s,%s,%d,%d\n", row.MerchantID, name, row.RedeemedTotal, row.RedeemCount)
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func (s *Server) handleUserQR(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	claims, _ := auth.FromContext(r.Context())
	if claims.Role != auth.RoleAdmin && claims.Subject != uid {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "may only mint your own code"})
		return
	}
	ttl := auth.DefaultQRTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			ttl = time.Duration(seconds) * time.Second
		}
	}
	payload, err := s.qr.Mint(uid, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	text, err := payload.Canonical()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": payload, "canonical": text})
}

type qrVerifyRequest struct {
	D       string          `json:"d,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleQRVerify(w http.ResponseWriter, r *http.Request) {
	var req qrVerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	raw := req.Payload
	if req.D != "" {
		raw = json.RawMessage(req.D)
	}
	var payload auth.QRPayload
	if len(raw) == 0 || json.Unmarshal(raw, &payload) != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "uid": nil})
		return
	}
	if !s.qr.Verify(payload) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "uid": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "uid": payload.UID})
}
