package models

import (
	"time"

	"github.com/google/uuid"
)

// PredictionFeedback is an append-only record of a user confirming or
// rejecting a predicted answer (category, match, vendor normalization).
// Immutable after insert; retained indefinitely for training-signal
// provenance even though this system does not itself train models.
type PredictionFeedback struct {
	ID        uuid.UUID `json:"id"`
	SubjectID uuid.UUID `json:"subject_id"`
	Field     string    `json:"field"`
	Original  string    `json:"original"`
	Corrected string    `json:"corrected"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ExtractionCorrection is an append-only record of a user correcting an
// OCR-extracted receipt field.
type ExtractionCorrection struct {
	ID        uuid.UUID `json:"id"`
	SubjectID uuid.UUID `json:"subject_id"` // Receipt ID
	Field     string    `json:"field"`
	Original  string    `json:"original"`
	Corrected string    `json:"corrected"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
