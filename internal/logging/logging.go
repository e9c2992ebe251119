package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field keys shared by every lifecycle log line.
const (
	KeySessionID     = "session_id"
	KeySessionKind   = "session_kind"
	KeyAppointmentID = "appointment_id"
	KeyDoctorID      = "doctor_id"
	KeyPatientID     = "patient_id"
	KeyJob           = "job"
	KeyJobID         = "job_id"
	KeyJobUUID       = "job_uuid"
	KeyAttempt       = "attempt"
	KeyQueue         = "queue"
	KeyEndpoint      = "endpoint"
	KeyReason        = "reason"
	KeyUnitKey       = "unit_key"
)

// New builds the process logger: console output in development, JSON otherwise.
func New(appEnv string) (*zap.Logger, error) {
	var cfg zap.Config
	switch appEnv {
	case "development", "test":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return cfg.Build()
}
