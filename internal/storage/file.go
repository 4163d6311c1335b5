package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"drawbot/internal/draw"
	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

// fileStore keeps all state in memory and persists it to:
//   - <prefix>.state.json        (snapshot, rewritten atomically on every change)
//   - <prefix>.broadcasts.jsonl  (append-only audit)
//
// With memory set nothing touches disk.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	memory    bool
	closed    bool
	statePath string
	auditFile *os.File
	state     fileState
}

type fileState struct {
	Watermark  *draw.Key                     `json:"watermark,omitempty"`
	Recipients map[transport.Recipient]int64 `json:"recipients"`
	Records    map[draw.Key]draw.Record      `json:"records"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{log: log, statePath: prefix + ".state.json"}
	if err := loadState(st.statePath, &st.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if st.state.Recipients == nil {
		st.state.Recipients = map[transport.Recipient]int64{}
	}
	if st.state.Records == nil {
		st.state.Records = map[draw.Key]draw.Record{}
	}

	af, err := os.OpenFile(prefix+".broadcasts.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st.auditFile = af
	return st, nil
}

// NewMemory returns a store that lives only as long as the process.
// Used when storage.driver is "none".
func NewMemory() Store {
	return &fileStore{
		log:    logx.Nop(),
		memory: true,
		state: fileState{
			Recipients: map[transport.Recipient]int64{},
			Records:    map[draw.Key]draw.Record{},
		},
	}
}

func loadState(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

// flushLocked writes the snapshot through a temp file and rename.
func (s *fileStore) flushLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.memory {
		return nil
	}
	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) LatestCommittedKey(context.Context) (draw.Key, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Watermark == nil {
		return 0, false, nil
	}
	return *s.state.Watermark, true, nil
}

func (s *fileStore) CommitWatermark(_ context.Context, k draw.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Watermark != nil && k <= *s.state.Watermark {
		return nil
	}
	s.state.Watermark = &k
	return s.flushLocked()
}

func (s *fileStore) AddActiveRecipient(_ context.Context, id transport.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Recipients[id]; ok {
		return nil
	}
	s.state.Recipients[id] = time.Now().UnixMilli()
	return s.flushLocked()
}

func (s *fileStore) RemoveActiveRecipient(_ context.Context, id transport.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Recipients[id]; !ok {
		return nil
	}
	delete(s.state.Recipients, id)
	return s.flushLocked()
}

func (s *fileStore) ListActiveRecipients(context.Context) ([]transport.Recipient, error) {
	s.mu.Lock()
	out := make([]transport.Recipient, 0, len(s.state.Recipients))
	for id := range s.state.Recipients {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fileStore) SaveRecords(_ context.Context, recs []draw.Record) error {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.state.Records[r.Key] = r
	}
	return s.flushLocked()
}

func (s *fileStore) RecentRecords(_ context.Context, limit int) ([]draw.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	all := make([]draw.Record, 0, len(s.state.Records))
	for _, r := range s.state.Records {
		all = append(all, r)
	}
	s.mu.Unlock()

	all = draw.SortAscending(all)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *fileStore) PruneRecords(_ context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.state.Records) <= keep {
		return 0, nil
	}
	keys := make([]draw.Key, 0, len(s.state.Records))
	for k := range s.state.Records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	stale := keys[keep:]
	for _, k := range stale {
		delete(s.state.Records, k)
	}
	return len(stale), s.flushLocked()
}

func (s *fileStore) AppendBroadcast(_ context.Context, e BroadcastEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.auditFile == nil {
		return nil
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
