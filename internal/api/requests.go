package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/punchamoorthee/gugapay/internal/service"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

// accountID accepts ids sent either as JSON strings or numbers.
type accountID string

func (a *accountID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = accountID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("id must be a string or a number")
	}
	*a = accountID(n.String())
	return nil
}

func (a accountID) String() string { return string(a) }

// Amounts are pointers so an absent field can be told apart from zero.

type transferRequest struct {
	FromUserID accountID        `json:"fromUserId"`
	ToUserID   accountID        `json:"toUserId"`
	Amount     *decimal.Decimal `json:"amount"`
	Currency   string           `json:"currency"`
}

type exchangeRequest struct {
	UserID    accountID        `json:"userId"`
	Direction string           `json:"direction"`
	Amount    *decimal.Decimal `json:"amount"`
}

type merchantPaymentRequest struct {
	UserID     accountID        `json:"userId"`
	MerchantID accountID        `json:"merchantId"`
	Amount     *decimal.Decimal `json:"amount"`
	Purpose    string           `json:"purpose"`
}

type merchantTransferRequest struct {
	MerchantID accountID        `json:"merchantId"`
	ToUserID   accountID        `json:"toUserId"`
	Amount     *decimal.Decimal `json:"amount"`
}

type miningRequest struct {
	UserID accountID        `json:"userId"`
	Amount *decimal.Decimal `json:"amount"`
}

type rubPurchaseRequest struct {
	UserID        accountID        `json:"userId"`
	OperationType string           `json:"operation_type"`
	Amount        *decimal.Decimal `json:"amount"`
}

type cloudtipsRequest struct {
	InvoiceID string           `json:"invoiceid"`
	Amount    *decimal.Decimal `json:"amount"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return invalidInput("request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return &service.Error{Code: service.CodeInvalidInput, Message: "malformed JSON body", Err: err}
	}
	return nil
}

func requireAmount(amount *decimal.Decimal) (decimal.Decimal, error) {
	if amount == nil {
		return decimal.Zero, &service.Error{Code: service.CodeInvalidAmount, Message: "amount is required"}
	}
	return *amount, nil
}

func invalidInput(format string, args ...any) error {
	return &service.Error{Code: service.CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}
