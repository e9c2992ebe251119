package repository

import (
	"context"
	"fmt"

	"github.com/saeid-a/DocAvailableBack/internal/models"
)

type SubscriptionRepository struct {
	db DBTX
}

func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func quotaColumn(modality string) (string, error) {
	switch modality {
	case "text":
		return "text_sessions_remaining", nil
	case "voice":
		return "voice_calls_remaining", nil
	case "video":
		return "video_calls_remaining", nil
	default:
		return "", fmt.Errorf("unknown modality %q", modality)
	}
}

func (r *SubscriptionRepository) GetActiveByPatient(ctx context.Context, patientID int64) (*models.Subscription, error) {
	query := `
		SELECT id, patient_id, is_active, text_sessions_remaining, voice_calls_remaining,
			video_calls_remaining, created_at, updated_at
		FROM subscriptions
		WHERE patient_id = $1 AND is_active
	`
	var sub models.Subscription
	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&sub.ID,
		&sub.PatientID,
		&sub.IsActive,
		&sub.TextSessionsRemaining,
		&sub.VoiceCallsRemaining,
		&sub.VideoCallsRemaining,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// DecrementQuota removes one unit of the modality's quota. It reports false
// when the patient has no active subscription or nothing left.
func (r *SubscriptionRepository) DecrementQuota(ctx context.Context, patientID int64, modality string) (bool, error) {
	column, err := quotaColumn(modality)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		UPDATE subscriptions
		SET %[1]s = %[1]s - 1, updated_at = NOW()
		WHERE patient_id = $1 AND is_active AND %[1]s >= 1
	`, column)
	tag, err := r.db.Exec(ctx, query, patientID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
