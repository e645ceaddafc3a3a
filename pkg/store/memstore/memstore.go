// Package memstore is an in-memory Store used by tests and by local
// development (store.kind: memory). It behaves like a throwaway remote:
// rows, unique constraints, and a live change feed, nothing durable.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"flocksync/pkg/models"
	"flocksync/pkg/store"
)

// uniqueKeys lists the column tuples that must be unique per table,
// mirroring the remote schema's constraints.
var uniqueKeys = map[string][]string{
	models.TableParticipants: {"conversation_id", "user_id"},
	models.TablePresence:     {"user_id"},
	models.TableTyping:       {"conversation_id", "user_id"},
	models.TableReadReceipts: {"message_id", "user_id"},
	models.TableReactions:    {"message_id", "user_id", "emoji"},
	models.TablePins:         {"conversation_id", "message_id"},
	models.TableProfiles:     {"id"},
}

type row map[string]any

// WriteHook lets tests intercept writes; returning a non-nil error makes
// the write fail without touching state.
type WriteHook func(op, table string, payload json.RawMessage) error

type Store struct {
	mu     sync.Mutex
	tables map[string][]row

	subMu  sync.Mutex
	subs   map[int]func(store.Event)
	nextID int

	hook WriteHook
}

func New() *Store {
	return &Store{
		tables: make(map[string][]row),
		subs:   make(map[int]func(store.Event)),
	}
}

// SetWriteHook installs a test hook run before every Insert/Upsert/
// Update/Delete.
func (s *Store) SetWriteHook(h WriteHook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *Store) runHook(op, table string, payload json.RawMessage) error {
	s.mu.Lock()
	h := s.hook
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(op, table, payload)
}

func decodeRow(payload json.RawMessage) (row, error) {
	var r row
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("memstore: bad payload: %w", err)
	}
	return r, nil
}

func encodeRow(r row) json.RawMessage {
	b, _ := json.Marshal(r)
	return b
}

func matches(r row, f store.Filter) bool {
	v, ok := r[f.Column]
	switch f.Op {
	case store.OpEq:
		return ok && fmt.Sprint(v) == fmt.Sprint(f.Value)
	case store.OpIn:
		vals, _ := f.Value.([]string)
		if !ok {
			return false
		}
		sv := fmt.Sprint(v)
		for _, want := range vals {
			if sv == want {
				return true
			}
		}
		return false
	case store.OpIs:
		if f.Value == nil {
			return !ok || v == nil
		}
		return ok && fmt.Sprint(v) == fmt.Sprint(f.Value)
	}
	return false
}

func matchesAll(r row, filters []store.Filter) bool {
	for _, f := range filters {
		if !matches(r, f) {
			return false
		}
	}
	return true
}

// less orders two column values; RFC3339 timestamps compare correctly as
// strings, numbers numerically.
func less(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func (s *Store) Select(ctx context.Context, table string, q store.Query) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var out []row
	for _, r := range s.tables[table] {
		if matchesAll(r, q.Filters) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	if q.Order.Column != "" {
		col, desc := q.Order.Column, q.Order.Desc
		sort.SliceStable(out, func(i, j int) bool {
			if desc {
				return less(out[j][col], out[i][col])
			}
			return less(out[i][col], out[j][col])
		})
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			out = nil
		} else {
			out = out[q.Offset:]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	rows := make([]json.RawMessage, len(out))
	for i, r := range out {
		rows[i] = encodeRow(r)
	}
	return rows, nil
}

func uniqueConflict(existing []row, r row, cols []string) int {
	for i, e := range existing {
		same := true
		for _, c := range cols {
			if fmt.Sprint(e[c]) != fmt.Sprint(r[c]) {
				same = false
				break
			}
		}
		if same {
			return i
		}
	}
	return -1
}

func (s *Store) Insert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error) {
	return s.insert(ctx, table, payload, false)
}

func (s *Store) Upsert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error) {
	return s.insert(ctx, table, payload, true)
}

func (s *Store) insert(ctx context.Context, table string, payload json.RawMessage, upsert bool) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op := "insert"
	if upsert {
		op = "upsert"
	}
	if err := s.runHook(op, table, payload); err != nil {
		return nil, err
	}
	r, err := decodeRow(payload)
	if err != nil {
		return nil, err
	}
	if id, ok := r["id"]; !ok || id == "" {
		if _, keyed := uniqueKeys[table]; !keyed {
			r["id"] = uuid.NewString()
		}
	}

	s.mu.Lock()
	evType := store.EventInsert
	if cols, ok := uniqueKeys[table]; ok {
		if i := uniqueConflict(s.tables[table], r, cols); i >= 0 {
			if !upsert {
				s.mu.Unlock()
				return nil, store.ErrConflict
			}
			// merge: the fresh row replaces the stale one
			s.tables[table][i] = r
			evType = store.EventUpdate
		} else {
			s.tables[table] = append(s.tables[table], r)
		}
	} else {
		s.tables[table] = append(s.tables[table], r)
	}
	out := encodeRow(r)
	s.mu.Unlock()

	s.publish(store.Event{Type: evType, Table: table, Row: out})
	return out, nil
}

func (s *Store) Update(ctx context.Context, table string, filters []store.Filter, patch json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.runHook("update", table, patch); err != nil {
		return err
	}
	p, err := decodeRow(patch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	var events []store.Event
	matched := false
	for i, r := range s.tables[table] {
		if !matchesAll(r, filters) {
			continue
		}
		matched = true
		old := encodeRow(r)
		updated := make(row, len(r)+len(p))
		for k, v := range r {
			updated[k] = v
		}
		for k, v := range p {
			updated[k] = v
		}
		s.tables[table][i] = updated
		events = append(events, store.Event{Type: store.EventUpdate, Table: table, Row: encodeRow(updated), OldRow: old})
	}
	s.mu.Unlock()
	if !matched {
		return store.ErrNotFound
	}
	for _, ev := range events {
		s.publish(ev)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table string, filters []store.Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.runHook("delete", table, nil); err != nil {
		return err
	}
	s.mu.Lock()
	var kept []row
	var events []store.Event
	for _, r := range s.tables[table] {
		if matchesAll(r, filters) {
			events = append(events, store.Event{Type: store.EventDelete, Table: table, Row: encodeRow(r), OldRow: encodeRow(r)})
			continue
		}
		kept = append(kept, r)
	}
	s.tables[table] = kept
	s.mu.Unlock()
	for _, ev := range events {
		s.publish(ev)
	}
	return nil
}

// Subscribe registers fn on the live feed. Delivery is synchronous with
// the mutating call, which gives tests deterministic ordering.
func (s *Store) Subscribe(ctx context.Context, fn func(store.Event)) (func(), error) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	stop := func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}

func (s *Store) publish(ev store.Event) {
	s.subMu.Lock()
	fns := make([]func(store.Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Count reports the number of rows in a table (test helper).
func (s *Store) Count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

// Dump returns a readable listing of a table (test helper).
func (s *Store) Dump(table string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, r := range s.tables[table] {
		b.Write(encodeRow(r))
		b.WriteByte('\n')
	}
	return b.String()
}
