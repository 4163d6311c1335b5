package storage

import (
	"context"
	"errors"
	"time"

	"drawbot/internal/draw"
	"drawbot/internal/transport"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// BroadcastEntry is one audited fan-out.
type BroadcastEntry struct {
	At         time.Time `json:"at"`
	JobID      string    `json:"job_id"`
	Key        draw.Key  `json:"key"`
	Recipients int       `json:"recipients"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
	TookMS     int64     `json:"took_ms"`
	Error      string    `json:"error,omitempty"`
}

// Store is the persistence API used by the engine.
type Store interface {
	// LatestCommittedKey returns the persisted watermark; ok is false when none was stored.
	LatestCommittedKey(ctx context.Context) (k draw.Key, ok bool, err error)
	// CommitWatermark persists k if it is greater than the stored value.
	CommitWatermark(ctx context.Context, k draw.Key) error

	AddActiveRecipient(ctx context.Context, id transport.Recipient) error
	RemoveActiveRecipient(ctx context.Context, id transport.Recipient) error
	ListActiveRecipients(ctx context.Context) ([]transport.Recipient, error)

	// SaveRecords upserts records by key.
	SaveRecords(ctx context.Context, recs []draw.Record) error
	// RecentRecords returns up to limit records with the greatest keys, oldest first.
	RecentRecords(ctx context.Context, limit int) ([]draw.Record, error)
	// PruneRecords keeps the newest keep records and reports how many were removed.
	PruneRecords(ctx context.Context, keep int) (int, error)

	AppendBroadcast(ctx context.Context, e BroadcastEntry) error

	Close() error
}
