package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/punchamoorthee/gugapay/internal/domain"
	"github.com/punchamoorthee/gugapay/internal/service"
	"github.com/shopspring/decimal"
)

type payload map[string]any

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// money renders d as a JSON number with the currency's fixed scale.
func money(c domain.Currency, d decimal.Decimal) json.Number {
	return json.Number(c.Format(d))
}

// ratio renders an exchange multiplier, which moves in 0.02 steps.
func ratio(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func optionalMoney(c domain.Currency, d *decimal.Decimal) *json.Number {
	if d == nil {
		return nil
	}
	n := money(c, *d)
	return &n
}

type transactionView struct {
	Hash           string       `json:"hash"`
	FromUserID     string       `json:"from_user_id"`
	ToUserID       string       `json:"to_user_id"`
	Amount         json.Number  `json:"amount"`
	Currency       string       `json:"currency"`
	Type           string       `json:"type"`
	Direction      string       `json:"direction,omitempty"`
	CounterAmount  *json.Number `json:"counter_amount,omitempty"`
	NewCoinBalance *json.Number `json:"new_coin_balance,omitempty"`
	NewRubBalance  *json.Number `json:"new_rub_balance,omitempty"`
	ExternalID     string       `json:"external_id,omitempty"`
	Purpose        string       `json:"purpose,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

func newTransactionView(t *domain.Transaction) transactionView {
	v := transactionView{
		Hash:           t.ID,
		FromUserID:     t.FromAccountID,
		ToUserID:       t.ToAccountID,
		Amount:         money(t.Currency, t.Amount),
		Currency:       string(t.Currency),
		Type:           string(t.Kind),
		Direction:      string(t.Direction),
		NewCoinBalance: optionalMoney(domain.CurrencyCoin, t.NewCoinBalance),
		NewRubBalance:  optionalMoney(domain.CurrencyRUB, t.NewFiatBalance),
		ExternalID:     t.ExternalID,
		Purpose:        t.Purpose,
		CreatedAt:      t.CreatedAt,
	}
	if t.Direction != "" {
		v.CounterAmount = optionalMoney(t.Direction.Target(), t.CounterAmount)
	}
	return v
}

func transactionViews(txs []domain.Transaction) []transactionView {
	out := make([]transactionView, 0, len(txs))
	for i := range txs {
		out = append(out, newTransactionView(&txs[i]))
	}
	return out
}

type userView struct {
	UserID     string      `json:"userId"`
	Balance    json.Number `json:"balance"`
	RubBalance json.Number `json:"rubBalance"`
	Blocked    bool        `json:"blocked"`
}

// respondJSON writes {"success":true} merged with data.
func respondJSON(w http.ResponseWriter, code int, data payload) {
	body := payload{"success": true}
	for k, v := range data {
		body[k] = v
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// respondError maps err onto the error envelope. Server faults get a
// generic message; their cause is logged by the caller.
func respondError(w http.ResponseWriter, err error) {
	code := service.CodeOf(err)
	msg := http.StatusText(http.StatusInternalServerError)

	var typed *service.Error
	if errors.As(err, &typed) && !code.Internal() {
		msg = typed.Message
	}
	writeJSON(w, code.HTTPStatus(), errorBody{Error: msg, Code: string(code)})
}
