package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aradsms/messaging_core/internal/messaging_service/domain"
	"github.com/aradsms/messaging_core/internal/messaging_service/repository"
	"github.com/aradsms/messaging_core/internal/messaging_service/tenant"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// EndpointSend is the idempotency endpoint name for Send.
const EndpointSend = "messages.send"

const (
	defaultOperationTimeout = 5 * time.Second
	maxStaleWriteAttempts   = 3
)

// SendRequest is an outbound message submission.
type SendRequest struct {
	ChannelID      uuid.UUID          `validate:"required"`
	ToPhone        string             `validate:"required,e164strict"`
	MessageType    domain.MessageType `validate:"required"`
	Content        map[string]any     `validate:"required"`
	Metadata       map[string]any
	IdempotencyKey string `validate:"max=1024"`
}

// SendResult reports the created message, or the prior one when the
// idempotency key was already used.
type SendResult struct {
	MessageID uuid.UUID
	Status    domain.Status
	Duplicate bool
}

// IngestRequest records a message received from a provider.
type IngestRequest struct {
	ChannelID         uuid.UUID          `validate:"required"`
	FromPhone         string             `validate:"required,e164strict"`
	ToPhone           string             `validate:"omitempty,e164strict"`
	MessageType       domain.MessageType `validate:"required"`
	Content           map[string]any     `validate:"required"`
	Metadata          map[string]any
	ExternalMessageID string
}

// ServiceConfig tunes MessageService.
type ServiceConfig struct {
	OperationTimeout time.Duration
	IdempotencyTTL   time.Duration
}

// MessageService is the write path of the message core.
type MessageService struct {
	store    repository.Store
	outbox   *OutboxPublisher
	cache    WindowCache
	validate *validator.Validate
	contents *domain.ContentValidator
	logger   *slog.Logger
	cfg      ServiceConfig
	now      func() time.Time
}

// NewMessageService wires the service. cache may be nil.
func NewMessageService(
	store repository.Store,
	outbox *OutboxPublisher,
	cache WindowCache,
	logger *slog.Logger,
	cfg ServiceConfig,
) (*MessageService, error) {
	v := validator.New()
	if err := domain.RegisterValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	contents, err := domain.NewContentValidator()
	if err != nil {
		return nil, err
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = domain.DefaultIdempotencyTTL
	}
	return &MessageService{
		store:    store,
		outbox:   outbox,
		cache:    cache,
		validate: v,
		contents: contents,
		logger:   logger.With("component", "message_service"),
		cfg:      cfg,
		now:      utcNow,
	}, nil
}

// operationContext detaches from the caller's cancellation so a started write
// is not abandoned halfway, while still bounding it in time.
func (s *MessageService) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OperationTimeout)
}

func (s *MessageService) validateStruct(req any) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return domain.Validationf("invalid fields: %s", strings.Join(fields, ", "))
		}
		return domain.Validationf("%v", err)
	}
	return nil
}

// prepareContent validates content against the type schema and returns its hash.
func (s *MessageService) prepareContent(mt domain.MessageType, content map[string]any) (string, error) {
	if err := s.contents.Validate(mt, content); err != nil {
		return "", err
	}
	hash, err := domain.ContentHash(content)
	if err != nil {
		return "", domain.Validationf("content is not serializable: %v", err)
	}
	return hash, nil
}

// withPartition runs fn and, when the month partition is missing, provisions
// it and runs fn once more.
func (s *MessageService) withPartition(ctx context.Context, at time.Time, fn func() error) error {
	err := fn()
	if !errors.Is(err, repository.ErrPartitionMissing) {
		return err
	}
	s.logger.InfoContext(ctx, "Provisioning missing message partition",
		"partition", repository.PartitionName(repository.MessagesTable, at))
	if err := s.store.Partitions().EnsurePartition(ctx, at); err != nil {
		return err
	}
	return fn()
}

// Send validates the request, applies the idempotency ledger and stores a
// QUEUED message together with its MessageCreated event.
func (s *MessageService) Send(ctx context.Context, scope tenant.Scope, req SendRequest) (SendResult, error) {
	start := time.Now()
	defer func() { operationDurationHist.WithLabelValues("send").Observe(time.Since(start).Seconds()) }()

	if !scope.Valid() {
		return SendResult{}, tenant.ErrMissingScope
	}
	req.ToPhone = domain.NormalizePhone(req.ToPhone)
	req.MessageType = normalizeType(req.MessageType)
	if err := s.validateStruct(req); err != nil {
		return SendResult{}, err
	}
	key, err := domain.NormalizeIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		return SendResult{}, err
	}
	hash, err := s.prepareContent(req.MessageType, req.Content)
	if err != nil {
		return SendResult{}, err
	}

	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	now := s.now()
	var result SendResult
	err = s.withPartition(ctx, now, func() error {
		return s.store.WithinTx(ctx, func(tx repository.Repositories) error {
			result = SendResult{}
			ch, err := tx.Channels().Get(ctx, scope, req.ChannelID)
			if err != nil {
				return err
			}
			if !ch.Active() {
				return fmt.Errorf("%w: channel %s is %s", domain.ErrChannelInactive, ch.ID, ch.Status)
			}

			if key != "" {
				res, err := tx.Idempotency().Reserve(ctx, scope, &domain.IdempotencyRecord{
					Endpoint:  EndpointSend,
					Key:       key,
					CreatedAt: now,
					ExpiresAt: now.Add(s.cfg.IdempotencyTTL),
				})
				if err != nil {
					return fmt.Errorf("reserve idempotency key: %w", err)
				}
				if res.Duplicate() {
					result.Duplicate = true
					if res.MessageID == nil {
						return nil
					}
					prior, err := tx.Messages().GetByID(ctx, scope, *res.MessageID)
					if err != nil {
						return fmt.Errorf("load prior message: %w", err)
					}
					result.MessageID = prior.ID
					result.Status = prior.Status
					return nil
				}
			}

			msg := &domain.Message{
				TenantID:        scope.TenantID,
				ChannelID:       ch.ID,
				Direction:       domain.DirectionOutbound,
				FromPhone:       ch.PhoneNumber,
				ToPhone:         req.ToPhone,
				MessageType:     req.MessageType,
				Content:         req.Content,
				ContentHash:     hash,
				Metadata:        req.Metadata,
				Status:          domain.StatusQueued,
				CreatedAt:       now,
				StatusUpdatedAt: now,
			}
			id, err := tx.Messages().Insert(ctx, scope, msg)
			if err != nil {
				return err
			}
			if key != "" {
				if err := tx.Idempotency().LinkMessage(ctx, scope, EndpointSend, key, id); err != nil {
					return fmt.Errorf("link idempotency key: %w", err)
				}
			}
			if err := s.outbox.EmitMessage(ctx, tx, scope, domain.EventMessageCreated, msg); err != nil {
				return err
			}
			result.MessageID = id
			result.Status = msg.Status
			return nil
		})
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Send failed", "error", err, "tenant_id", scope.TenantID,
			"channel_id", req.ChannelID, "error_tag", domain.ErrorTag(err))
		return SendResult{}, err
	}

	if result.Duplicate {
		duplicatesIgnoredCounter.Inc()
		s.logger.InfoContext(ctx, "Duplicate send ignored", "tenant_id", scope.TenantID,
			"idempotency_key", key, "message_id", result.MessageID)
		return result, nil
	}
	messagesSentCounter.WithLabelValues(string(domain.DirectionOutbound)).Inc()
	s.invalidate(ctx, scope, req.ChannelID)
	s.logger.InfoContext(ctx, "Message queued", "tenant_id", scope.TenantID,
		"message_id", result.MessageID, "channel_id", req.ChannelID)
	return result, nil
}

// Ingest records an inbound message. It arrives DELIVERED.
func (s *MessageService) Ingest(ctx context.Context, scope tenant.Scope, req IngestRequest) (uuid.UUID, error) {
	start := time.Now()
	defer func() { operationDurationHist.WithLabelValues("ingest").Observe(time.Since(start).Seconds()) }()

	if !scope.Valid() {
		return uuid.Nil, tenant.ErrMissingScope
	}
	req.FromPhone = domain.NormalizePhone(req.FromPhone)
	req.ToPhone = domain.NormalizePhone(req.ToPhone)
	req.MessageType = normalizeType(req.MessageType)
	if err := s.validateStruct(req); err != nil {
		return uuid.Nil, err
	}
	hash, err := s.prepareContent(req.MessageType, req.Content)
	if err != nil {
		return uuid.Nil, err
	}
	var externalID *string
	if ext := strings.TrimSpace(req.ExternalMessageID); ext != "" {
		externalID = &ext
	}

	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	now := s.now()
	var id uuid.UUID
	err = s.withPartition(ctx, now, func() error {
		return s.store.WithinTx(ctx, func(tx repository.Repositories) error {
			ch, err := tx.Channels().Get(ctx, scope, req.ChannelID)
			if err != nil {
				return err
			}
			to := req.ToPhone
			if to == "" {
				to = ch.PhoneNumber
			}
			delivered := now
			msg := &domain.Message{
				ExternalMessageID: externalID,
				TenantID:          scope.TenantID,
				ChannelID:         ch.ID,
				Direction:         domain.DirectionInbound,
				FromPhone:         req.FromPhone,
				ToPhone:           to,
				MessageType:       req.MessageType,
				Content:           req.Content,
				ContentHash:       hash,
				Metadata:          req.Metadata,
				Status:            domain.StatusDelivered,
				CreatedAt:         now,
				StatusUpdatedAt:   now,
				DeliveredAt:       &delivered,
			}
			if id, err = tx.Messages().Insert(ctx, scope, msg); err != nil {
				return err
			}
			return s.outbox.EmitMessage(ctx, tx, scope, domain.EventMessageCreated, msg)
		})
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Ingest failed", "error", err, "tenant_id", scope.TenantID,
			"channel_id", req.ChannelID, "error_tag", domain.ErrorTag(err))
		return uuid.Nil, err
	}

	messagesSentCounter.WithLabelValues(string(domain.DirectionInbound)).Inc()
	s.invalidate(ctx, scope, req.ChannelID)
	s.logger.InfoContext(ctx, "Inbound message recorded", "tenant_id", scope.TenantID, "message_id", id)
	return id, nil
}

// UpdateStatus moves a message along the lifecycle. Lost optimistic races
// are retried a few times before ErrStaleWrite is returned.
func (s *MessageService) UpdateStatus(ctx context.Context, scope tenant.Scope, id uuid.UUID, to domain.Status, errorCode, errorMessage *string) error {
	return s.updateStatus(ctx, scope, "update_status", to, errorCode, errorMessage,
		func(ctx context.Context, tx repository.Repositories) (*domain.Message, error) {
			return tx.Messages().GetByID(ctx, scope, id)
		})
}

// UpdateStatusByExternalID is UpdateStatus addressed by the provider id, as
// delivery reports carry it.
func (s *MessageService) UpdateStatusByExternalID(ctx context.Context, scope tenant.Scope, externalID string, to domain.Status, errorCode, errorMessage *string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.Validationf("external message id is required")
	}
	return s.updateStatus(ctx, scope, "update_status_external", to, errorCode, errorMessage,
		func(ctx context.Context, tx repository.Repositories) (*domain.Message, error) {
			return tx.Messages().GetByExternalID(ctx, scope, externalID)
		})
}

func (s *MessageService) updateStatus(
	ctx context.Context,
	scope tenant.Scope,
	operation string,
	to domain.Status,
	errorCode, errorMessage *string,
	load func(context.Context, repository.Repositories) (*domain.Message, error),
) error {
	start := time.Now()
	defer func() { operationDurationHist.WithLabelValues(operation).Observe(time.Since(start).Seconds()) }()

	if !scope.Valid() {
		return tenant.ErrMissingScope
	}
	if !to.Valid() {
		return domain.Validationf("unknown status %q", to)
	}

	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	var (
		changed *domain.Message
		err     error
	)
	for attempt := 1; attempt <= maxStaleWriteAttempts; attempt++ {
		changed, err = s.applyStatus(ctx, scope, to, errorCode, errorMessage, load)
		if !errors.Is(err, domain.ErrStaleWrite) {
			break
		}
		statusTransitionsCounter.WithLabelValues("", string(to), "stale").Inc()
		s.logger.DebugContext(ctx, "Stale status write, retrying", "attempt", attempt, "to", to)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "Status update failed", "error", err, "tenant_id", scope.TenantID,
			"to", to, "error_tag", domain.ErrorTag(err))
		return err
	}
	if changed != nil {
		s.invalidate(ctx, scope, changed.ChannelID)
		s.logger.InfoContext(ctx, "Message status updated", "tenant_id", scope.TenantID,
			"message_id", changed.ID, "status", changed.Status)
	}
	return nil
}

// applyStatus runs one attempt. It returns the updated message, or nil when
// the transition was a no-op.
func (s *MessageService) applyStatus(
	ctx context.Context,
	scope tenant.Scope,
	to domain.Status,
	errorCode, errorMessage *string,
	load func(context.Context, repository.Repositories) (*domain.Message, error),
) (*domain.Message, error) {
	var changed *domain.Message
	err := s.store.WithinTx(ctx, func(tx repository.Repositories) error {
		changed = nil
		m, err := load(ctx, tx)
		if err != nil {
			return err
		}
		change, kind, err := domain.PlanTransition(m, to, errorCode, errorMessage, s.now(), false)
		if err != nil {
			statusTransitionsCounter.WithLabelValues(string(m.Status), string(to), "illegal").Inc()
			s.logger.WarnContext(ctx, "Illegal status transition rejected", "tenant_id", scope.TenantID,
				"message_id", m.ID, "from", m.Status, "to", to)
			return err
		}
		if kind == domain.TransitionSelf || kind == domain.TransitionDropped {
			statusTransitionsCounter.WithLabelValues(string(m.Status), string(to), "noop").Inc()
			return nil
		}
		if err := tx.Messages().UpdateStatus(ctx, scope, change); err != nil {
			return err
		}
		m.Apply(change)
		if err := s.outbox.EmitMessage(ctx, tx, scope, domain.EventMessageChanged, m); err != nil {
			return err
		}
		statusTransitionsCounter.WithLabelValues(string(change.From), string(change.To), "applied").Inc()
		changed = m
		return nil
	})
	return changed, err
}

func normalizeType(mt domain.MessageType) domain.MessageType {
	return domain.MessageType(strings.ToLower(strings.TrimSpace(string(mt))))
}

func (s *MessageService) invalidate(ctx context.Context, scope tenant.Scope, channelID uuid.UUID) {
	invalidateWindow(ctx, s.cache, s.logger, scope, channelID)
}
