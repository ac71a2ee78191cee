// Package memory is a transactional in-process implementation of the
// repository interfaces. Transactions are serialized and applied atomically
// on commit, which gives the same uniqueness and rollback guarantees as the
// Postgres store for single-process use.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/google/uuid"
)

type idemKey struct {
	tenantID uuid.UUID
	endpoint string
	key      string
}

type state struct {
	channels    map[uuid.UUID]*domain.Channel
	messages    map[uuid.UUID]*domain.Message
	externalIDs map[string]uuid.UUID
	idempotency map[idemKey]*domain.IdempotencyRecord
	outbox      []*domain.OutboxEvent
	deadLetters map[uuid.UUID]*domain.DeadLetterRecord // by message id
	partitions  map[string]bool
	seq         int64
}

func newState() *state {
	return &state{
		channels:    map[uuid.UUID]*domain.Channel{},
		messages:    map[uuid.UUID]*domain.Message{},
		externalIDs: map[string]uuid.UUID{},
		idempotency: map[idemKey]*domain.IdempotencyRecord{},
		deadLetters: map[uuid.UUID]*domain.DeadLetterRecord{},
		partitions:  map[string]bool{},
	}
}

func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	for k, v := range s.channels {
		c.channels[k] = v
	}
	for k, v := range s.messages {
		c.messages[k] = v.Clone()
	}
	for k, v := range s.externalIDs {
		c.externalIDs[k] = v
	}
	for k, v := range s.idempotency {
		r := *v
		c.idempotency[k] = &r
	}
	c.outbox = make([]*domain.OutboxEvent, len(s.outbox))
	for i, ev := range s.outbox {
		e := *ev
		c.outbox[i] = &e
	}
	for k, v := range s.deadLetters {
		c.deadLetters[k] = v
	}
	for k, v := range s.partitions {
		c.partitions[k] = v
	}
	return c
}

// Store is the in-memory repository.Store.
type Store struct {
	mu          sync.Mutex
	st          *state
	unavailable bool
}

// NewStore returns an empty store. Channels are seeded with AddChannel.
func NewStore() *Store {
	return &Store{st: newState()}
}

// AddChannel seeds the channel directory.
func (s *Store) AddChannel(ch *domain.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *ch
	s.st.channels[ch.ID] = &c
}

// SetUnavailable makes every subsequent call fail with ErrStorageUnavailable.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// WithinTx runs fn against a private copy of the state and publishes it only
// when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return domain.ErrStorageUnavailable
	}

	work := s.st.clone()
	if err := fn(txRepos{base{store: s, tx: work}}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Channels() repository.ChannelDirectory         { return channelRepo{base{store: s}} }
func (s *Store) Messages() repository.MessageRepository        { return messageRepo{base{store: s}} }
func (s *Store) Idempotency() repository.IdempotencyRepository { return idempotencyRepo{base{store: s}} }
func (s *Store) Outbox() repository.OutboxRepository           { return outboxRepo{base{store: s}} }
func (s *Store) DeadLetters() repository.DeadLetterRepository  { return deadLetterRepo{base{store: s}} }
func (s *Store) Partitions() repository.PartitionManager       { return partitionRepo{base{store: s}} }

// Events returns a copy of every outbox row in insertion order.
func (s *Store) Events() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxEvent, len(s.st.outbox))
	for i, ev := range s.st.outbox {
		out[i] = *ev
	}
	return out
}

// DeadLetterRecords returns a copy of the dead-letter table.
func (s *Store) DeadLetterRecords() []domain.DeadLetterRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetterRecord, 0, len(s.st.deadLetters))
	for _, r := range s.st.deadLetters {
		out = append(out, *r)
	}
	return out
}

// MessageCount counts stored messages across tenants.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.messages)
}

// PartitionNames lists provisioned partitions, sorted.
func (s *Store) PartitionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.st.partitions))
	for name := range s.st.partitions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Seed writes msg directly, bypassing validation. Tests use it to set up
// rows in states the public API would take time to reach.
func (s *Store) Seed(msg *domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.messages[msg.ID] = msg.Clone()
	if msg.ExternalMessageID != nil {
		s.st.externalIDs[*msg.ExternalMessageID] = msg.ID
	}
	s.st.partitions[repository.PartitionName(repository.MessagesTable, msg.CreatedAt)] = true
}

type base struct {
	store *Store
	tx    *state
}

type (
	channelRepo     struct{ base }
	messageRepo     struct{ base }
	idempotencyRepo struct{ base }
	outboxRepo      struct{ base }
	deadLetterRepo  struct{ base }
	partitionRepo   struct{ base }
	txRepos         struct{ base }
)

func (r txRepos) Channels() repository.ChannelDirectory         { return channelRepo{r.base} }
func (r txRepos) Messages() repository.MessageRepository        { return messageRepo{r.base} }
func (r txRepos) Idempotency() repository.IdempotencyRepository { return idempotencyRepo{r.base} }
func (r txRepos) Outbox() repository.OutboxRepository           { return outboxRepo{r.base} }
func (r txRepos) DeadLetters() repository.DeadLetterRepository  { return deadLetterRepo{r.base} }

// do runs fn on the transaction state, or under the store lock in
// autocommit mode.
func (r base) do(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.unavailable {
		return domain.ErrStorageUnavailable
	}
	return fn(r.store.st)
}

// --- channels ---

func (r channelRepo) Get(ctx context.Context, scope tenant.Scope, channelID uuid.UUID) (*domain.Channel, error) {
	var out *domain.Channel
	err := r.do(ctx, func(st *state) error {
		ch, err := lookupChannel(st, scope, channelID)
		if err != nil {
			return err
		}
		c := *ch
		out = &c
		return nil
	})
	return out, err
}

func lookupChannel(st *state, scope tenant.Scope, channelID uuid.UUID) (*domain.Channel, error) {
	ch, ok := st.channels[channelID]
	if !ok || ch.Status == domain.ChannelDeleted {
		return nil, domain.ErrChannelNotFound
	}
	if err := tenant.Authorize(scope, ch.TenantID); err != nil {
		return nil, err
	}
	return ch, nil
}

// --- messages ---

func (r messageRepo) Insert(ctx context.Context, scope tenant.Scope, msg *domain.Message) (uuid.UUID, error) {
	err := r.do(ctx, func(st *state) error {
		if err := tenant.ApplyOnInsert(scope, &msg.TenantID); err != nil {
			return err
		}
		if err := msg.Validate(); err != nil {
			return err
		}
		ch, ok := st.channels[msg.ChannelID]
		if !ok || ch.Status == domain.ChannelDeleted {
			return domain.ErrChannelNotFound
		}
		if ch.TenantID != msg.TenantID {
			return domain.ErrTenantMismatch
		}
		if !st.partitions[repository.PartitionName(repository.MessagesTable, msg.CreatedAt)] {
			return fmt.Errorf("%w: %s", repository.ErrPartitionMissing, msg.CreatedAt.UTC().Format(time.RFC3339))
		}
		if msg.ExternalMessageID != nil {
			if _, dup := st.externalIDs[*msg.ExternalMessageID]; dup {
				return domain.ErrDuplicateExternalID
			}
		}
		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}
		if _, dup := st.messages[msg.ID]; dup {
			return fmt.Errorf("message %s already exists", msg.ID)
		}
		st.messages[msg.ID] = msg.Clone()
		if msg.ExternalMessageID != nil {
			st.externalIDs[*msg.ExternalMessageID] = msg.ID
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return msg.ID, nil
}

func (r messageRepo) GetByID(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*domain.Message, error) {
	var out *domain.Message
	err := r.do(ctx, func(st *state) error {
		m, err := lookupMessage(st, scope, id)
		if err != nil {
			return err
		}
		out = m.Clone()
		return nil
	})
	return out, err
}

func (r messageRepo) GetByExternalID(ctx context.Context, scope tenant.Scope, externalID string) (*domain.Message, error) {
	var out *domain.Message
	err := r.do(ctx, func(st *state) error {
		id, ok := st.externalIDs[externalID]
		if !ok {
			return domain.ErrMessageNotFound
		}
		m, err := lookupMessage(st, scope, id)
		if err != nil {
			return err
		}
		out = m.Clone()
		return nil
	})
	return out, err
}

func lookupMessage(st *state, scope tenant.Scope, id uuid.UUID) (*domain.Message, error) {
	m, ok := st.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	if err := tenant.Authorize(scope, m.TenantID); err != nil {
		return nil, err
	}
	return m, nil
}

func (r messageRepo) UpdateStatus(ctx context.Context, scope tenant.Scope, change domain.StatusChange) error {
	return r.do(ctx, func(st *state) error {
		m, err := lookupMessage(st, scope, change.MessageID)
		if err != nil {
			return err
		}
		if m.Status != change.From {
			return domain.ErrStaleWrite
		}
		m.Apply(change)
		return nil
	})
}

func (r messageRepo) QueryRecent(ctx context.Context, scope tenant.Scope, channelID uuid.UUID, limit int) ([]*domain.Message, error) {
	var out []*domain.Message
	err := r.do(ctx, func(st *state) error {
		if !scope.Valid() {
			return tenant.ErrMissingScope
		}
		for _, m := range st.messages {
			if m.TenantID == scope.TenantID && m.ChannelID == channelID {
				out = append(out, m.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return truncate(out, limit), nil
}

func (r messageRepo) QueryWindow(ctx context.Context, scope tenant.Scope, q repository.WindowQuery) ([]*domain.Message, error) {
	var out []*domain.Message
	err := r.do(ctx, func(st *state) error {
		if !scope.Valid() {
			return tenant.ErrMissingScope
		}
		for _, m := range st.messages {
			if m.TenantID != scope.TenantID || m.ChannelID != q.ChannelID {
				continue
			}
			if m.FromPhone != q.Counterpart && m.ToPhone != q.Counterpart {
				continue
			}
			if m.CreatedAt.Before(q.Start) || m.CreatedAt.After(q.End) {
				continue
			}
			out = append(out, m.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return truncate(out, q.Limit), nil
}

func (r messageRepo) QueryFailedRetryCandidates(ctx context.Context, policy domain.BackoffPolicy, now time.Time, limit int) ([]*domain.Message, error) {
	var out []*domain.Message
	err := r.do(ctx, func(st *state) error {
		for _, m := range st.messages {
			if _, quarantined := st.deadLetters[m.ID]; quarantined {
				continue
			}
			if policy.Eligible(m, now) {
				out = append(out, m.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortOldestStatusFirst(out)
	return truncate(out, limit), nil
}

func (r messageRepo) QueryDeadLetterCandidates(ctx context.Context, maxAttempts int, limit int) ([]*domain.Message, error) {
	var out []*domain.Message
	err := r.do(ctx, func(st *state) error {
		for _, m := range st.messages {
			if m.Status != domain.StatusFailed || m.RetryCount < maxAttempts {
				continue
			}
			if _, quarantined := st.deadLetters[m.ID]; quarantined {
				continue
			}
			out = append(out, m.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortOldestStatusFirst(out)
	return truncate(out, limit), nil
}

func sortNewestFirst(ms []*domain.Message) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.After(ms[j].CreatedAt)
		}
		return bytes.Compare(ms[i].ID[:], ms[j].ID[:]) > 0
	})
}

func sortOldestStatusFirst(ms []*domain.Message) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].StatusUpdatedAt.Equal(ms[j].StatusUpdatedAt) {
			return ms[i].StatusUpdatedAt.Before(ms[j].StatusUpdatedAt)
		}
		return bytes.Compare(ms[i].ID[:], ms[j].ID[:]) < 0
	})
}

func truncate(ms []*domain.Message, limit int) []*domain.Message {
	if limit > 0 && len(ms) > limit {
		return ms[:limit]
	}
	return ms
}

// --- idempotency ---

func (r idempotencyRepo) Reserve(ctx context.Context, scope tenant.Scope, rec *domain.IdempotencyRecord) (domain.Reservation, error) {
	var res domain.Reservation
	err := r.do(ctx, func(st *state) error {
		if err := tenant.ApplyOnInsert(scope, &rec.TenantID); err != nil {
			return err
		}
		k := idemKey{tenantID: rec.TenantID, endpoint: rec.Endpoint, key: rec.Key}
		if existing, ok := st.idempotency[k]; ok && !existing.Expired(rec.CreatedAt) {
			res = domain.Reservation{Outcome: domain.ReservationDuplicate, MessageID: existing.MessageID}
			return nil
		}
		c := *rec
		st.idempotency[k] = &c
		res = domain.Reservation{Outcome: domain.ReservationNew}
		return nil
	})
	return res, err
}

func (r idempotencyRepo) LinkMessage(ctx context.Context, scope tenant.Scope, endpoint, key string, messageID uuid.UUID) error {
	return r.do(ctx, func(st *state) error {
		rec, ok := st.idempotency[idemKey{tenantID: scope.TenantID, endpoint: endpoint, key: key}]
		if !ok {
			return fmt.Errorf("idempotency record %w", domain.ErrNotFound)
		}
		if err := tenant.Authorize(scope, rec.TenantID); err != nil {
			return err
		}
		id := messageID
		rec.MessageID = &id
		return nil
	})
}

func (r idempotencyRepo) PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var n int64
	err := r.do(ctx, func(st *state) error {
		for k, rec := range st.idempotency {
			if limit > 0 && n >= int64(limit) {
				break
			}
			if rec.Expired(now) {
				delete(st.idempotency, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- outbox ---

func (r outboxRepo) Append(ctx context.Context, scope tenant.Scope, ev *domain.OutboxEvent) error {
	return r.do(ctx, func(st *state) error {
		if err := tenant.ApplyOnInsert(scope, &ev.TenantID); err != nil {
			return err
		}
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		st.seq++
		ev.Seq = st.seq
		c := *ev
		st.outbox = append(st.outbox, &c)
		return nil
	})
}

func (r outboxRepo) ClaimPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	if r.tx == nil {
		return nil, errors.New("ClaimPending requires a transaction")
	}
	var out []*domain.OutboxEvent
	err := r.do(ctx, func(st *state) error {
		pending := make([]*domain.OutboxEvent, 0)
		for _, ev := range st.outbox {
			if ev.Pending() {
				pending = append(pending, ev)
			}
		}
		sort.SliceStable(pending, func(i, j int) bool {
			if !pending[i].OccurredAt.Equal(pending[j].OccurredAt) {
				return pending[i].OccurredAt.Before(pending[j].OccurredAt)
			}
			return pending[i].Seq < pending[j].Seq
		})
		for _, ev := range pending {
			if limit > 0 && len(out) >= limit {
				break
			}
			c := *ev
			out = append(out, &c)
		}
		// an event waits while an earlier sibling is left out of the batch
		claimed := make(map[uuid.UUID]bool, len(out))
		for _, ev := range out {
			claimed[ev.ID] = true
		}
		kept := out[:0]
		for _, ev := range out {
			blocked := false
			for _, p := range pending {
				if p.AggregateID == ev.AggregateID && p.Seq < ev.Seq && !claimed[p.ID] {
					blocked = true
					break
				}
			}
			if !blocked {
				kept = append(kept, ev)
			}
		}
		out = kept
		// hand out in commit order so per-aggregate order holds
		sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
		return nil
	})
	return out, err
}

func (r outboxRepo) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.do(ctx, func(st *state) error {
		ev, err := findEvent(st, id)
		if err != nil {
			return err
		}
		t := at
		ev.ProcessedAt = &t
		ev.Attempts++
		return nil
	})
}

func (r outboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.do(ctx, func(st *state) error {
		ev, err := findEvent(st, id)
		if err != nil {
			return err
		}
		msg := reason
		ev.LastError = &msg
		ev.Attempts++
		return nil
	})
}

func findEvent(st *state, id uuid.UUID) (*domain.OutboxEvent, error) {
	for _, ev := range st.outbox {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, fmt.Errorf("outbox event %w", domain.ErrNotFound)
}

// --- dead letters ---

func (r deadLetterRepo) Insert(ctx context.Context, scope tenant.Scope, rec *domain.DeadLetterRecord) error {
	return r.do(ctx, func(st *state) error {
		if err := tenant.ApplyOnInsert(scope, &rec.TenantID); err != nil {
			return err
		}
		m, err := lookupMessage(st, scope, rec.MessageID)
		if err != nil {
			return err
		}
		if m.TenantID != rec.TenantID {
			return domain.ErrTenantMismatch
		}
		if _, dup := st.deadLetters[rec.MessageID]; dup {
			return domain.ErrAlreadyDeadLettered
		}
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		c := *rec
		st.deadLetters[rec.MessageID] = &c
		return nil
	})
}

func (r deadLetterRepo) Exists(ctx context.Context, scope tenant.Scope, messageID uuid.UUID) (bool, error) {
	var found bool
	err := r.do(ctx, func(st *state) error {
		rec, ok := st.deadLetters[messageID]
		if !ok {
			return nil
		}
		if err := tenant.Authorize(scope, rec.TenantID); err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// --- partitions ---

func (r partitionRepo) EnsurePartition(ctx context.Context, forTime time.Time) error {
	return r.do(ctx, func(st *state) error {
		st.partitions[repository.PartitionName(repository.MessagesTable, forTime)] = true
		return nil
	})
}
