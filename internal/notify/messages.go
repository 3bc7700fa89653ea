package notify

import (
	"encoding/json"
	"time"

	"github.com/rumor-ml/commons.systems/cardflow/internal/ingest"
)

// IngestionCompleted announces that new transactions are available for a
// profile. Consumers re-read the store; the message carries no rows.
type IngestionCompleted struct {
	RunID        string    `json:"run_id"`
	ProfileID    string    `json:"profile_id"`
	Files        []string  `json:"files"`
	RowsIngested int       `json:"rows_ingested"`
	At           time.Time `json:"at"`
}

// NewIngestionCompleted builds the message for a finished run
func NewIngestionCompleted(r *ingest.Report) *IngestionCompleted {
	files := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		files = append(files, f.File)
	}
	return &IngestionCompleted{
		RunID:        r.RunID,
		ProfileID:    r.ProfileID,
		Files:        files,
		RowsIngested: r.RowsIngested,
		At:           r.FinishedAt,
	}
}

// ToJSON converts the message to JSON bytes
func (m *IngestionCompleted) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// IngestionCompletedFromJSON decodes a message
func IngestionCompletedFromJSON(data []byte) (*IngestionCompleted, error) {
	var msg IngestionCompleted
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
