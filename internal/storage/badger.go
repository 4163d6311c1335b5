package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"drawbot/internal/draw"
	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

// Key layout:
//
//	wm                      -> uint64 watermark
//	rcp:<uint64 chat id>    -> joined-at unix millis
//	rec:<uint64 draw key>   -> JSON record
//	bc:<uint64 unix nanos>  -> JSON broadcast entry
var (
	keyWatermark    = []byte("wm")
	prefixRecipient = []byte("rcp:")
	prefixRecord    = []byte("rec:")
	prefixBroadcast = []byte("bc:")
)

type badgerStore struct {
	db  *badger.DB
	log logx.Logger
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("badger path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	log.Debug("badger store opened", logx.String("path", dir))
	return &badgerStore{db: db, log: log}, nil
}

func (s *badgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeKey(prefix []byte, v uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], v)
	return k
}

func decodeKey(prefix, k []byte) uint64 {
	if len(k) < len(prefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(k[len(prefix):])
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *badgerStore) LatestCommittedKey(ctx context.Context) (draw.Key, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var (
		k  draw.Key
		ok bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyWatermark)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt watermark (%d bytes)", len(val))
			}
			k = draw.Key(binary.BigEndian.Uint64(val))
			ok = true
			return nil
		})
	})
	return k, ok, err
}

func (s *badgerStore) CommitWatermark(ctx context.Context, k draw.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyWatermark)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var cur uint64
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					cur = binary.BigEndian.Uint64(val)
				}
				return nil
			}); err != nil {
				return err
			}
			if uint64(k) <= cur {
				return nil
			}
		}
		return txn.Set(keyWatermark, u64(uint64(k)))
	})
}

func (s *badgerStore) AddActiveRecipient(ctx context.Context, id transport.Recipient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(prefixRecipient, uint64(id)), u64(uint64(time.Now().UnixMilli())))
	})
}

func (s *badgerStore) RemoveActiveRecipient(ctx context.Context, id transport.Recipient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(encodeKey(prefixRecipient, uint64(id)))
	})
}

func (s *badgerStore) ListActiveRecipients(ctx context.Context) ([]transport.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []transport.Recipient
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixRecipient); it.ValidForPrefix(prefixRecipient); it.Next() {
			out = append(out, transport.Recipient(int64(decodeKey(prefixRecipient, it.Item().Key()))))
		}
		return nil
	})
	return out, err
}

func (s *badgerStore) SaveRecords(ctx context.Context, recs []draw.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, r := range recs {
			val, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := txn.Set(encodeKey(prefixRecord, uint64(r.Key)), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) RecentRecords(ctx context.Context, limit int) ([]draw.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	out := make([]draw.Record, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		end := append(append([]byte(nil), prefixRecord...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(end); it.ValidForPrefix(prefixRecord) && len(out) < limit; it.Next() {
			var r draw.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				s.log.Warn("skipping unreadable record", logx.Err(err))
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return draw.SortAscending(out), nil
}

func (s *badgerStore) PruneRecords(ctx context.Context, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		end := append(append([]byte(nil), prefixRecord...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		seen := 0
		for it.Seek(end); it.ValidForPrefix(prefixRecord); it.Next() {
			seen++
			if seen > keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (s *badgerStore) AppendBroadcast(ctx context.Context, e BroadcastEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(prefixBroadcast, uint64(e.At.UnixNano())), val)
	})
}
