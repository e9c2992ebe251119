package billing

import (
	"fmt"
	"strings"

	"github.com/saeid-a/DocAvailableBack/internal/session"
)

// Money is an amount in integer minor units (cents, tambala).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) String() string {
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%s %d.%02d", sign, m.Currency, amount/100, amount%100)
}

const (
	CurrencyMWK = "MWK"
	CurrencyUSD = "USD"
)

// RateTable maps a currency to the price of one unit per modality.
type RateTable map[string]map[session.Modality]int64

// DefaultRates are the per-unit doctor earnings: MWK 4000/5000/6000 and
// USD 4/5/6 for text, voice and video.
var DefaultRates = RateTable{
	CurrencyMWK: {
		session.ModalityText:  400000,
		session.ModalityVoice: 500000,
		session.ModalityVideo: 600000,
	},
	CurrencyUSD: {
		session.ModalityText:  400,
		session.ModalityVoice: 500,
		session.ModalityVideo: 600,
	},
}

// CurrencyForCountry returns the payout currency for a doctor's country.
func CurrencyForCountry(country string) string {
	if strings.EqualFold(strings.TrimSpace(country), "malawi") {
		return CurrencyMWK
	}
	return CurrencyUSD
}

func (t RateTable) Price(currency string, modality session.Modality) (Money, error) {
	byModality, ok := t[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: currency %q", ErrUnknownRate, currency)
	}
	amount, ok := byModality[modality]
	if !ok {
		return Money{}, fmt.Errorf("%w: modality %q", ErrUnknownRate, modality)
	}
	return Money{Amount: amount, Currency: currency}, nil
}
