package engine

import "scriptflow/internal/storage"

// Core is the surface the API layer drives. Manager is the production
// implementation; handler tests substitute a fake.
type Core interface {
	Submit(req SubmitRequest) (string, error)
	Get(id string) (*storage.Execution, error)
	Cancel(id string) (bool, error)
	ListRunning() []storage.Execution
	Settings() Settings
	UpdateSettings(Settings) error
}

var _ Core = (*Manager)(nil)
