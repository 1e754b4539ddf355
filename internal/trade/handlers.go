package trade

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stotra/trade-engine/internal/model"
	"github.com/stotra/trade-engine/internal/respond"
)

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /api/v1/accounts.
type CreateAccountRequest struct {
	ID          string          `json:"id,omitempty"`
	InitialCash decimal.Decimal `json:"initial_cash"`
}

// DepositRequest is the JSON body for POST /api/v1/accounts/{accountID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// SymbolOrderRequest is the JSON body for POST /api/v1/stocks/{symbol}/buy|sell.
type SymbolOrderRequest struct {
	AccountID string `json:"account_id"`
	Quantity  int64  `json:"quantity"`
}

// Routes mounts the account, order and portfolio endpoints.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.HandleCreateAccount)
	r.Get("/accounts/{accountID}", s.HandleGetAccount)
	r.Post("/accounts/{accountID}/deposit", s.HandleDeposit)
	r.Get("/accounts/{accountID}/transactions", s.HandleTransactions)
	r.Post("/orders", s.HandleOrder)
	r.Post("/stocks/{symbol}/buy", s.symbolOrder(model.SideBuy))
	r.Post("/stocks/{symbol}/sell", s.symbolOrder(model.SideSell))
	r.Get("/portfolio/{accountID}", s.HandlePortfolio)
	r.Get("/portfolio/{accountID}/reconcile", s.HandleReconcile)
	r.Get("/leaderboard", s.HandleLeaderboard)
	if s.hub != nil {
		r.Get("/ws/account", s.hub.HandleWS)
	}
}

// HandleCreateAccount handles POST /api/v1/accounts
func (s *Service) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	a, err := s.CreateAccount(r.Context(), req.ID, req.InitialCash)
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, a)
}

// HandleGetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.Balance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, a)
}

// HandleDeposit handles POST /api/v1/accounts/{accountID}/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	accountID := chi.URLParam(r, "accountID")
	cash, err := s.Deposit(r.Context(), accountID, req.Amount)
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"cash":       cash,
	})
}

// HandleTransactions handles GET /api/v1/accounts/{accountID}/transactions?symbol=
func (s *Service) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.Transactions(r.Context(), chi.URLParam(r, "accountID"), r.URL.Query().Get("symbol"))
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, txs)
}

// HandleOrder handles POST /api/v1/orders
func (s *Service) HandleOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	s.writeOrder(w, r, req)
}

func (s *Service) symbolOrder(side model.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SymbolOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.BadRequest(w, "invalid request body")
			return
		}
		s.writeOrder(w, r, OrderRequest{
			AccountID: req.AccountID,
			Symbol:    chi.URLParam(r, "symbol"),
			Side:      side,
			Quantity:  req.Quantity,
		})
	}
}

func (s *Service) writeOrder(w http.ResponseWriter, r *http.Request, req OrderRequest) {
	res, err := s.Execute(r.Context(), req)
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, res)
}

// HandlePortfolio handles GET /api/v1/portfolio/{accountID}
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.projector.Project(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, pf)
}

// HandleReconcile handles GET /api/v1/portfolio/{accountID}/reconcile
func (s *Service) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	mismatches, err := s.projector.Reconcile(r.Context(), accountID)
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"consistent": len(mismatches) == 0,
		"mismatches": mismatches,
	})
}

// HandleLeaderboard handles GET /api/v1/leaderboard?limit=N
func (s *Service) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respond.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	board, err := s.projector.Leaderboard(r.Context(), limit)
	if err != nil {
		respond.DomainError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, board)
}
