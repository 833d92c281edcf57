package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradesim/trade-engine/internal/fees"
	"github.com/tradesim/trade-engine/internal/model"
)

// Service exposes the Executor over HTTP.
type Service struct {
	exec *Executor
}

// NewService creates the HTTP layer over exec.
func NewService(exec *Executor) *Service {
	return &Service{exec: exec}
}

// Register mounts the API routes on r.
func (s *Service) Register(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{userID}", s.GetAccount)
	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Get("/trades/{userID}", s.ListTrades)

	// Symbols such as EUR/USD contain a slash, so instruments travel in
	// the query string rather than the path.
	r.Get("/prices", s.GetAssetPrice)
	r.Post("/prices", s.RecordPrice)
	r.Get("/fees", s.GetTradeFees)

	r.Post("/trade/buy", s.Buy)
	r.Post("/trade/sell", s.Sell)

	r.Get("/admin/fee-policy", s.GetFeePolicy)
	r.Put("/admin/fee-policy", s.UpdateFeePolicy)
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade/buy and /trade/sell.
type TradeRequest struct {
	UserID    string          `json:"user_id"`
	AssetType string          `json:"asset_type"` // stock, crypto or currency
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	UserID  string           `json:"user_id,omitempty"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
}

// PriceRequest is the JSON body for POST /prices.
type PriceRequest struct {
	AssetType     string          `json:"asset_type"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        decimal.Decimal `json:"volume"`
	ObservedAt    time.Time       `json:"observed_at"`
	Source        string          `json:"source"`
}

// PriceResponse is the body of GET /prices.
type PriceResponse struct {
	AssetType     model.AssetType `json:"asset_type"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        decimal.Decimal `json:"volume"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string       `json:"error"`
	Code  string       `json:"code"`
	Stage State        `json:"stage,omitempty"`
	Fees  *fees.Result `json:"fees,omitempty"`
}

// --- HTTP Handlers ---

// Buy handles POST /api/v1/trade/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, reject(ErrValidation, "", "invalid request body"))
		return
	}

	res, err := s.exec.Buy(r.Context(), req.UserID, model.AssetType(req.AssetType), req.Symbol, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/trade/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, reject(ErrValidation, "", "invalid request body"))
		return
	}

	res, err := s.exec.Sell(r.Context(), req.UserID, model.AssetType(req.AssetType), req.Symbol, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAssetPrice handles GET /api/v1/prices?asset_type=stock&symbol=AAPL
func (s *Service) GetAssetPrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quote, err := s.exec.GetAssetPrice(r.Context(), model.AssetType(q.Get("asset_type")), q.Get("symbol"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		AssetType:     quote.AssetType,
		Symbol:        quote.Symbol,
		Price:         quote.Price,
		Change:        quote.Change,
		ChangePercent: quote.ChangePercent,
		Volume:        quote.Volume,
		Timestamp:     quote.Timestamp,
		Source:        quote.Source,
	})
}

// GetTradeFees handles GET /api/v1/fees?asset_type=&symbol=&quantity=&side=
// Previews fees at the current price; nothing is mutated.
func (s *Service) GetTradeFees(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	qty, err := decimal.NewFromString(q.Get("quantity"))
	if err != nil {
		writeError(w, reject(ErrValidation, "", "quantity must be a decimal number"))
		return
	}
	side := q.Get("side")
	if side == "" {
		side = string(model.SideBuy)
	}

	preview, err := s.exec.PreviewFees(r.Context(), model.AssetType(q.Get("asset_type")), q.Get("symbol"), qty, model.Side(side))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, reject(ErrValidation, "", "invalid request body"))
		return
	}

	acct, err := s.exec.CreateAccount(r.Context(), req.UserID, req.Balance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{userID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.exec.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.exec.GetPortfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListTrades handles GET /api/v1/trades/{userID}?asset_type=&symbol=&limit=
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, reject(ErrValidation, "", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	trades, err := s.exec.ListTrades(r.Context(), chi.URLParam(r, "userID"),
		model.AssetType(q.Get("asset_type")), q.Get("symbol"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// RecordPrice handles POST /api/v1/prices
func (s *Service) RecordPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, reject(ErrValidation, "", "invalid request body"))
		return
	}

	obs, err := s.exec.RecordPrice(r.Context(), model.PriceObservation{
		AssetType:     model.AssetType(req.AssetType),
		Symbol:        req.Symbol,
		Price:         req.Price,
		Change:        req.Change,
		ChangePercent: req.ChangePercent,
		Volume:        req.Volume,
		ObservedAt:    req.ObservedAt,
		Source:        req.Source,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, obs)
}

// GetFeePolicy handles GET /api/v1/admin/fee-policy
func (s *Service) GetFeePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.exec.GetFeePolicy(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateFeePolicy handles PUT /api/v1/admin/fee-policy
// Unknown fields and out-of-range values are rejected.
func (s *Service) UpdateFeePolicy(w http.ResponseWriter, r *http.Request) {
	upd, err := fees.DecodeUpdate(r.Body)
	if err != nil {
		writeError(w, reject(ErrValidation, "", "%v", err))
		return
	}

	p, err := s.exec.UpdateFeePolicy(r.Context(), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error(), Code: Code(err)}
	var rej *RejectionError
	if errors.As(err, &rej) {
		resp.Error = rej.Reason
		resp.Stage = rej.Stage
		resp.Fees = rej.Fees
	}
	writeJSON(w, HTTPStatus(err), resp)
}
