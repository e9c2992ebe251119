package models

import (
	"encoding/json"
	"time"
)

const (
	TransactionCredit = "credit"
	TransactionDebit  = "debit"
)

// Amounts are integer minor units of Currency.
type DoctorWallet struct {
	ID          int64     `json:"id"`
	DoctorID    int64     `json:"doctor_id"`
	Balance     int64     `json:"balance"`
	TotalEarned int64     `json:"total_earned"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type WalletTransaction struct {
	ID          int64           `json:"id"`
	DoctorID    int64           `json:"doctor_id"`
	Type        string          `json:"type"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	SessionType string          `json:"session_type"`
	SessionID   int64           `json:"session_id"`
	UnitKey     string          `json:"unit_key"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Subscription struct {
	ID                    int64     `json:"id"`
	PatientID             int64     `json:"patient_id"`
	IsActive              bool      `json:"is_active"`
	TextSessionsRemaining int       `json:"text_sessions_remaining"`
	VoiceCallsRemaining   int       `json:"voice_calls_remaining"`
	VideoCallsRemaining   int       `json:"video_calls_remaining"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Remaining returns the quota left for the modality ("text", "voice" or "video").
func (s *Subscription) Remaining(modality string) int {
	if s == nil || !s.IsActive {
		return 0
	}
	switch modality {
	case "text":
		return s.TextSessionsRemaining
	case "voice":
		return s.VoiceCallsRemaining
	case "video":
		return s.VideoCallsRemaining
	default:
		return 0
	}
}
