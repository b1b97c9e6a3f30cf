package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"time"

	"github.com/Maheshthanniru/finance-sub000/pkg/ledger"
	"github.com/Maheshthanniru/finance-sub000/pkg/models"
	"github.com/Maheshthanniru/finance-sub000/pkg/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Server holds the ledger instance.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage // Keep a reference to the storage to close it
	logger   *logrus.Logger
	validate *validator.Validate
}

func NewServer(l *ledger.Ledger, s store.Storage, logger *logrus.Logger) *Server {
	v := validator.New()
	// Decimals validate as numbers so gt/gte tags apply.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	return &Server{
		ledger:   l,
		storage:  s,
		logger:   logger,
		validate: v,
	}
}

func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", s.healthHandler).Methods("GET")

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.updateLoanHandler).Methods("PATCH")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/statement", s.statementHandler).Methods("GET")

	router.HandleFunc("/loans/{id}/renew", s.settlementHandler(s.ledger.Renew)).Methods("POST")
	router.HandleFunc("/loans/{id}/renew/full", s.settlementHandler(s.ledger.RenewFull)).Methods("POST")
	router.HandleFunc("/loans/{id}/renew/partial", s.settlementHandler(s.ledger.RenewPartial)).Methods("POST")
	router.HandleFunc("/loans/{id}/close", s.settlementHandler(s.ledger.Close)).Methods("POST")
	router.HandleFunc("/loans/{id}/reconcile", s.reconcileHandler).Methods("POST")

	router.HandleFunc("/admin/link-legacy", s.linkLegacyHandler).Methods("POST")
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createLoanRequest struct {
	LoanType          string              `json:"loan_type" validate:"required,oneof=CD STBD HP TBD FD OD RD"`
	CustomerKey       string              `json:"customer_key" validate:"required"`
	CustomerName      string              `json:"customer_name"`
	LoanAmount        decimal.Decimal     `json:"loan_amount" validate:"gt=0"`
	RateOfInterest    decimal.NullDecimal `json:"rate_of_interest"`
	Period            int                 `json:"period" validate:"gte=0"`
	PeriodUnit        string              `json:"period_unit" validate:"omitempty,oneof=days months"`
	InstallmentAmount decimal.Decimal     `json:"installment_amount" validate:"gte=0"`
	TotalInstallments int                 `json:"total_installments" validate:"gte=0"`
	LoanDate          string              `json:"loan_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate           string              `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Guarantor1        *models.Guarantor   `json:"guarantor1"`
	Guarantor2        *models.Guarantor   `json:"guarantor2"`
	PartnerID         string              `json:"partner_id"`
	PartnerName       string              `json:"partner_name"`
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if !s.decode(w, r, &req) {
		return
	}

	newLoan := ledger.NewLoan{
		LoanType:          models.LoanType(req.LoanType),
		CustomerKey:       req.CustomerKey,
		CustomerName:      req.CustomerName,
		LoanAmount:        req.LoanAmount,
		RateOfInterest:    req.RateOfInterest,
		Period:            req.Period,
		PeriodUnit:        models.PeriodUnit(req.PeriodUnit),
		InstallmentAmount: req.InstallmentAmount,
		TotalInstallments: req.TotalInstallments,
		Guarantor1:        req.Guarantor1,
		Guarantor2:        req.Guarantor2,
		PartnerID:         req.PartnerID,
		PartnerName:       req.PartnerName,
	}
	newLoan.LoanDate, _ = parseDate(req.LoanDate)
	if req.DueDate != "" {
		due, _ := parseDate(req.DueDate)
		newLoan.DueDate = &due
	}

	loan, err := s.ledger.CreateLoan(r.Context(), newLoan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFrom(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.LoanFilter{
		LoanType:      models.LoanType(q.Get("type")),
		IncludeClosed: q.Get("include_closed") == "true",
	}
	loans, err := s.ledger.ListLoans(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

type updateLoanRequest struct {
	ExpectedVersion int64 `json:"expected_version" validate:"gte=0"`
	models.LoanUpdate
}

func (s *Server) updateLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFrom(w, r)
	if !ok {
		return
	}
	var req updateLoanRequest
	if !s.decode(w, r, &req) {
		return
	}

	loan, err := s.ledger.UpdateLoan(r.Context(), loanID, req.ExpectedVersion, req.LoanUpdate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFrom(w, r)
	if !ok {
		return
	}
	if err := s.ledger.DeleteLoan(r.Context(), loanID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type paymentRequest struct {
	Amount         decimal.Decimal `json:"amount" validate:"gt=0"`
	Date           string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Particulars    string          `json:"particulars" validate:"max=200"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=100"`
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFrom(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	date, _ := parseDate(req.Date)

	tx, err := s.ledger.RecordPayment(r.Context(), ledger.PaymentRequest{
		LoanID:         loanID,
		Amount:         req.Amount,
		Date:           date,
		Particulars:    req.Particulars,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) statementHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFrom(w, r)
	if !ok {
		return
	}
	asOf, err := parseDate(r.URL.Query().Get("as_of"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "as_of must be YYYY-MM-DD"})
		return
	}

	st, err := s.ledger.Statement(r.Context(), loanID, asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type settlementRequest struct {
	Amount          decimal.Decimal `json:"amount" validate:"gte=0"`
	Date            string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	ExpectedVersion int64           `json:"expected_version" validate:"gte=0"`
	IdempotencyKey  string          `json:"idempotency_key" validate:"max=100"`
}

type settleFunc func(ctx context.Context, req ledger.SettlementRequest) (*ledger.Result, error)

func (s *Server) settlementHandler(settle settleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loanID, ok := loanIDFrom(w, r)
		if !ok {
			return
		}
		var req settlementRequest
		if !s.decode(w, r, &req) {
			return
		}
		date, _ := parseDate(req.Date)

		res, err := settle(r.Context(), ledger.SettlementRequest{
			LoanID:          loanID,
			Amount:          req.Amount,
			Date:            date,
			ExpectedVersion: req.ExpectedVersion,
			IdempotencyKey:  req.IdempotencyKey,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type reconcileRequest struct {
	TransactionID   string `json:"transaction_id" validate:"required,uuid"`
	ExpectedVersion int64  `json:"expected_version" validate:"gte=0"`
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDFrom(w, r)
	if !ok {
		return
	}
	var req reconcileRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.ledger.Reconcile(r.Context(), ledger.ReconcileRequest{
		LoanID:          loanID,
		TransactionID:   uuid.MustParse(req.TransactionID),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) linkLegacyHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.LinkLegacyTransactions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type errorBody struct {
	Error     string         `json:"error"`
	Severity  string         `json:"severity,omitempty"`
	Reconcile *reconcileHint `json:"reconcile,omitempty"`
	Fields    []fieldProblem `json:"fields,omitempty"`
}

type reconcileHint struct {
	LoanID          uuid.UUID        `json:"loan_id"`
	TransactionID   uuid.UUID        `json:"transaction_id"`
	Operation       ledger.Operation `json:"operation"`
	ExpectedVersion int64            `json:"expected_version"`
}

type fieldProblem struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// writeError maps ledger errors to HTTP statuses. A partial commit is the
// one 500 with a body telling the operator what to reconcile.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	entry := s.logger.WithField("path", r.URL.Path).WithError(err)

	var pce *ledger.PartialCommitError
	switch {
	case errors.As(err, &pce):
		entry.Error("Partial commit reported to client")
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:    err.Error(),
			Severity: "critical",
			Reconcile: &reconcileHint{
				LoanID:          pce.LoanID,
				TransactionID:   pce.TransactionID,
				Operation:       pce.Operation,
				ExpectedVersion: pce.LoanVersion,
			},
		})
	case errors.Is(err, ledger.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrDuplicateRequest):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, ledger.ErrTimeout):
		entry.Warn("Store write timed out")
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
	case errors.Is(err, ledger.ErrStoreWrite):
		entry.Error("Store write failed")
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	default:
		entry.Error("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

// decode reads and validates a JSON body, writing the error response itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			body := errorBody{Error: "validation failed"}
			for _, fe := range verrs {
				body.Fields = append(body.Fields, fieldProblem{Field: fe.Field(), Rule: fe.Tag()})
			}
			writeJSON(w, http.StatusUnprocessableEntity, body)
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

func loanIDFrom(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	loanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid loan ID"})
		return uuid.Nil, false
	}
	return loanID, true
}

// parseDate parses YYYY-MM-DD; empty input is the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
