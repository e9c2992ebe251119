package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/services"
	"github.com/saeid-a/DocAvailableBack/internal/session"
)

type stubAccountService struct {
	account    *models.Account
	accountErr error
	charges    []models.WalletTransaction
	chargesErr error

	lastUserID int64
	lastKind   session.Kind
}

func (s *stubAccountService) GetAccount(_ context.Context, userID int64) (*models.Account, error) {
	s.lastUserID = userID
	return s.account, s.accountErr
}

func (s *stubAccountService) SessionCharges(_ context.Context, actorID int64, kind session.Kind, _ int64) ([]models.WalletTransaction, error) {
	s.lastUserID, s.lastKind = actorID, kind
	return s.charges, s.chargesErr
}

func TestMeReturnsDoctorWallet(t *testing.T) {
	service := &stubAccountService{
		account: &models.Account{
			User:   &models.User{ID: 7, Role: models.RoleDoctor, Country: "Malawi"},
			Wallet: &models.DoctorWallet{DoctorID: 7, Balance: 1200000, Currency: "MWK"},
		},
	}
	handler := &AuthHandler{service: service}
	app := newTestApp(models.RoleDoctor, "7")
	app.Get("/api/auth/me", handler.Me)

	resp, payload := doRequest(t, app, http.MethodGet, "/api/auth/me", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var account models.Account
	if err := json.Unmarshal(payload.Data, &account); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if account.Wallet == nil || account.Wallet.Balance != 1200000 || account.Subscription != nil {
		t.Fatalf("unexpected account %+v", account)
	}
}

func TestMeUnknownUser(t *testing.T) {
	handler := &AuthHandler{service: &stubAccountService{accountErr: services.ErrUserNotFound}}
	app := newTestApp(models.RolePatient, "42")
	app.Get("/api/auth/me", handler.Me)

	resp, payload := doRequest(t, app, http.MethodGet, "/api/auth/me", "")
	if resp.StatusCode != http.StatusNotFound || payload.Message != "User not found" {
		t.Fatalf("expected 404, got %d %+v", resp.StatusCode, payload)
	}
}

func TestSessionChargesListsUnits(t *testing.T) {
	service := &stubAccountService{
		charges: []models.WalletTransaction{
			{UnitKey: "auto:1", Amount: 500},
			{UnitKey: "auto:2", Amount: 500},
			{UnitKey: "manual", Amount: 500},
		},
	}
	handler := &AuthHandler{service: service}
	app := newTestApp(models.RolePatient, "42")
	app.Get("/api/v1/call-sessions/:id/charges", handler.SessionCharges(session.KindCall))

	resp, payload := doRequest(t, app, http.MethodGet, "/api/v1/call-sessions/5/charges", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastKind != session.KindCall {
		t.Fatalf("expected call kind, got %s", service.lastKind)
	}

	var body struct {
		Units   int                        `json:"units"`
		Charges []models.WalletTransaction `json:"charges"`
	}
	if err := json.Unmarshal(payload.Data, &body); err != nil {
		t.Fatalf("decode charges: %v", err)
	}
	if body.Units != 3 || body.Charges[2].UnitKey != "manual" {
		t.Fatalf("unexpected charges %+v", body)
	}
}
