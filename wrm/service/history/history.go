// Package history records one entry per request/response exchange.
package history

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/go-appsec/wrm/wrm/service/pipeline"
	"github.com/go-appsec/wrm/wrm/service/store"
)

const nextOffsetKey = "history:_next"

func recordKey(offset uint32) string {
	return "history:" + strconv.FormatUint(uint64(offset), 10)
}

// Record describes one exchange.
type Record struct {
	Offset     uint32        `msgpack:"o"`
	ConnID     string        `msgpack:"cid"`
	RemoteAddr string        `msgpack:"ra,omitempty"`
	Protocol   string        `msgpack:"p"`
	TLS        bool          `msgpack:"tls,omitempty"`
	StreamID   uint32        `msgpack:"sid,omitempty"`
	Method     string        `msgpack:"m"`
	Host       string        `msgpack:"h"`
	Path       string        `msgpack:"pa"`
	Status     int           `msgpack:"s"`
	Blocked    bool          `msgpack:"b,omitempty"`
	Started    time.Time     `msgpack:"t"`
	Duration   time.Duration `msgpack:"d"`
}

// Store keeps the most recent records in a store.Storage. Offsets increase
// monotonically; records older than the capacity are deleted.
type Store struct {
	mu         sync.RWMutex
	storage    store.Storage
	capacity   int
	nextOffset uint32
}

// NewStore creates a history store. A capacity of zero or less keeps every record.
// The next offset is recovered from storage.
func NewStore(storage store.Storage, capacity int) *Store {
	s := &Store{storage: storage, capacity: capacity}
	if data, found, err := storage.Get(nextOffsetKey); err == nil && found {
		if v, err := strconv.ParseUint(string(data), 10, 32); err == nil {
			s.nextOffset = uint32(v)
		}
	}
	return s
}

// Add stores rec and returns its assigned offset.
func (s *Store) Add(rec *Record) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Offset = s.nextOffset
	s.nextOffset++
	if err := s.storage.Set(nextOffsetKey, []byte(strconv.FormatUint(uint64(s.nextOffset), 10))); err != nil {
		log.Printf("wrm: failed to persist history offset: %v", err)
	}

	if data, err := store.Serialize(rec); err != nil {
		log.Printf("wrm: failed to serialize history record %d: %v", rec.Offset, err)
	} else if err := s.storage.Set(recordKey(rec.Offset), data); err != nil {
		log.Printf("wrm: failed to save history record %d: %v", rec.Offset, err)
	}

	if s.capacity > 0 && rec.Offset >= uint32(s.capacity) {
		if err := s.storage.Delete(recordKey(rec.Offset - uint32(s.capacity))); err != nil {
			log.Printf("wrm: failed to evict history record: %v", err)
		}
	}
	return rec.Offset
}

// Get returns the record at offset.
func (s *Store) Get(offset uint32) (*Record, bool) {
	data, found, err := s.storage.Get(recordKey(offset))
	if err != nil || !found {
		return nil, false
	}
	var rec Record
	if err := store.Deserialize(data, &rec); err != nil {
		return nil, false
	}
	// msgpack timestamps drop the location
	rec.Started = rec.Started.UTC()
	return &rec, true
}

// List returns up to count records starting at startOffset, in offset order.
func (s *Store) List(count int, startOffset uint32) []*Record {
	s.mu.RLock()
	maxOffset := s.nextOffset
	s.mu.RUnlock()

	var records []*Record
	for offset := startOffset; offset < maxOffset && len(records) < count; offset++ {
		if rec, ok := s.Get(offset); ok {
			records = append(records, rec)
		}
	}
	return records
}

// Recent returns up to count of the newest records, oldest first.
func (s *Store) Recent(count int) []*Record {
	s.mu.RLock()
	next := s.nextOffset
	s.mu.RUnlock()

	var start uint32
	if uint32(count) < next {
		start = next - uint32(count)
	}
	return s.List(count, start)
}

// Count returns the number of records added over the store's lifetime.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.nextOffset)
}

// Stage returns a pipeline stage that records every exchange after the
// remaining stages complete. Connections without a request pass through.
func Stage(s *Store) pipeline.Stage {
	return pipeline.StageFunc(func(ctx context.Context, cc *pipeline.Context, next pipeline.Handler) error {
		req := cc.Request
		if req == nil {
			return next(ctx, cc)
		}

		err := next(ctx, cc)
		rec := &Record{
			ConnID:   cc.ID,
			Protocol: cc.Protocol.String(),
			TLS:      cc.TLS,
			StreamID: req.StreamID,
			Method:   req.Method,
			Host:     req.Host(),
			Path:     req.Path,
			Blocked:  cc.Decision == pipeline.Block,
			Started:  cc.Started,
			Duration: time.Since(cc.Started),
		}
		if cc.RemoteAddr != nil {
			rec.RemoteAddr = cc.RemoteAddr.String()
		}
		if cc.Response != nil {
			rec.Status = cc.Response.StatusCode
		}
		s.Add(rec)
		return err
	})
}
