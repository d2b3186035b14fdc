package store

import (
	"github.com/jsherman999/crmrealtime/internal/db"
)

// Store runs the read-only queries the realtime service needs against the
// CRM database. It never writes business data.
type Store struct{ db *db.DB }

func New(d *db.DB) *Store { return &Store{db: d} }
