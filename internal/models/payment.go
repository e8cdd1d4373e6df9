package models

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// PaymentMethodType tags how fiat is moved between the parties
type PaymentMethodType string

const (
	PaymentBankTransfer PaymentMethodType = "bank_transfer"
	PaymentPayPal       PaymentMethodType = "paypal"
	PaymentWise         PaymentMethodType = "wise"
	PaymentRevolut      PaymentMethodType = "revolut"
	PaymentCash         PaymentMethodType = "cash"
	PaymentOther        PaymentMethodType = "other"
)

// Valid reports whether t is a known payment method tag
func (t PaymentMethodType) Valid() bool {
	switch t {
	case PaymentBankTransfer, PaymentPayPal, PaymentWise, PaymentRevolut, PaymentCash, PaymentOther:
		return true
	}
	return false
}

// PaymentMethodDetails holds the variant fields of a payment method.
// Which fields are allowed depends on the owning method's Type.
type PaymentMethodDetails struct {
	BankName      string `json:"bankName,omitempty"`
	AccountHolder string `json:"accountHolder,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	Email         string `json:"email,omitempty"`
	Handle        string `json:"handle,omitempty"`
	City          string `json:"city,omitempty"`
	MeetingPlace  string `json:"meetingPlace,omitempty"`
	Description   string `json:"description,omitempty"`
}

func (d PaymentMethodDetails) fields() map[string]string {
	return map[string]string{
		"bankName":      d.BankName,
		"accountHolder": d.AccountHolder,
		"accountNumber": d.AccountNumber,
		"email":         d.Email,
		"handle":        d.Handle,
		"city":          d.City,
		"meetingPlace":  d.MeetingPlace,
		"description":   d.Description,
	}
}

var paymentVariantFields = map[PaymentMethodType][]string{
	PaymentBankTransfer: {"bankName", "accountHolder", "accountNumber"},
	PaymentPayPal:       {"email"},
	PaymentWise:         {"email"},
	PaymentRevolut:      {"handle"},
	PaymentCash:         {"city", "meetingPlace"},
	PaymentOther:        {"description"},
}

// PaymentMethod is a saved way for a user to receive or send fiat
type PaymentMethod struct {
	ID         string               `json:"id"`
	UserID     string               `json:"user"`
	Type       PaymentMethodType    `json:"type"`
	Name       string               `json:"name"`
	Details    PaymentMethodDetails `json:"details"`
	IsVerified bool                 `json:"isVerified"`
	CreatedAt  time.Time            `json:"createdAt"`
}

// Validate requires every field of the method's variant and rejects fields of other variants
func (p *PaymentMethod) Validate() error {
	required, ok := paymentVariantFields[p.Type]
	if !ok {
		return fmt.Errorf("%w: unsupported payment method %q", ErrValidation, p.Type)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: payment method name is required", ErrValidation)
	}
	fields := p.Details.fields()
	allowed := make(map[string]bool, len(required))
	for _, name := range required {
		allowed[name] = true
		if strings.TrimSpace(fields[name]) == "" {
			return fmt.Errorf("%w: %s requires %s", ErrValidation, p.Type, name)
		}
	}
	for name, value := range fields {
		if value != "" && !allowed[name] {
			return fmt.Errorf("%w: %s does not accept %s", ErrValidation, p.Type, name)
		}
	}
	if p.Details.Email != "" {
		if _, err := mail.ParseAddress(p.Details.Email); err != nil {
			return fmt.Errorf("%w: invalid email", ErrValidation)
		}
	}
	return nil
}
