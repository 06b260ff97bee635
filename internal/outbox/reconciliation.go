package outbox

import (
	"context"
	"fmt"
	"time"

	"relaybox/internal/domain/outbox"
	"relaybox/internal/events"
	"relaybox/internal/events/contracts/identity"
	"relaybox/internal/events/contracts/membership"
	"relaybox/internal/repository"
	"relaybox/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

type ActionType string

const (
	ActionRepublishEvent ActionType = "RepublishEvent"
	ActionLinkEntities   ActionType = "LinkEntities"
	ActionMarkAsPoison   ActionType = "MarkAsPoison"
	ActionSkipProcessing ActionType = "SkipProcessing"
)

const (
	SweepOrphanedUsers   = "orphaned_users"
	SweepOrphanedMembers = "orphaned_members"
	SweepBrokenLinks     = "broken_links"
	SweepDlq             = "dlq"
)

// ReconciliationAction records what a sweep did about one outbox message.
type ReconciliationAction struct {
	EntityID   uuid.UUID  `json:"entity_id"`
	EntityType string     `json:"entity_type"`
	MessageID  uuid.UUID  `json:"message_id"`
	ActionType ActionType `json:"action_type"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
}

type SweepResult struct {
	Sweep       string                 `json:"sweep"`
	Examined    int                    `json:"examined"`
	Republished int                    `json:"republished"`
	Linked      int                    `json:"linked"`
	Poisoned    int                    `json:"poisoned"`
	Skipped     int                    `json:"skipped"`
	Failed      int                    `json:"failed"`
	Actions     []ReconciliationAction `json:"actions"`
	Error       string                 `json:"error,omitempty"`
}

type ReconciliationResult struct {
	Sweeps           []SweepResult `json:"sweeps"`
	TotalExamined    int           `json:"total_examined"`
	TotalRepublished int           `json:"total_republished"`
	TotalLinked      int           `json:"total_linked"`
	TotalPoisoned    int           `json:"total_poisoned"`
	TotalSkipped     int           `json:"total_skipped"`
	TotalFailed      int           `json:"total_failed"`
	Elapsed          time.Duration `json:"elapsed"`
}

type ReconciliationConfig struct {
	// StaleAfter is how long an unprocessed, never-failed message may wait before a sweep re-drives it.
	StaleAfter time.Duration
}

// ReconciliationService audits the user and member events for drift between the identity and
// membership contexts and re-drives affected messages through the dispatcher.
type ReconciliationService struct {
	repo     repository.OutboxRepository
	registry *events.Registry
	users    repository.UserDirectory
	members  repository.MemberDirectory
	linker   repository.AggregateLinker
	cfg      ReconciliationConfig
	log      *logger.Logger
	metrics  *outboxMetrics
	clock    func() time.Time
}

// NewReconciliationService builds the service. linker may be nil, in which case broken links are only republished.
func NewReconciliationService(
	repo repository.OutboxRepository,
	registry *events.Registry,
	users repository.UserDirectory,
	members repository.MemberDirectory,
	linker repository.AggregateLinker,
	cfg ReconciliationConfig,
	l *logger.Logger,
) *ReconciliationService {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &ReconciliationService{
		repo:     repo,
		registry: registry,
		users:    users,
		members:  members,
		linker:   linker,
		cfg:      cfg,
		log:      logger.OrNop(l),
		metrics:  mustMetrics(nil),
		clock:    time.Now,
	}
}

var (
	userCreatedType      = events.FullName(identity.UserCreated{})
	memberCreatedType    = events.FullName(membership.MemberCreated{})
	userMemberLinkedType = events.FullName(membership.UserMemberLinked{})
)

// RunComprehensive runs the four sweeps concurrently. A sweep that cannot load its candidates
// reports the error in its result without stopping the others.
func (s *ReconciliationService) RunComprehensive(ctx context.Context) (ReconciliationResult, error) {
	start := s.clock()
	sweeps := []struct {
		name string
		fn   func(context.Context) (SweepResult, error)
	}{
		{SweepOrphanedUsers, s.ReconcileOrphanedUsers},
		{SweepOrphanedMembers, s.ReconcileOrphanedMembers},
		{SweepBrokenLinks, s.ReconcileBrokenLinks},
		{SweepDlq, s.ReconcileDlqMessages},
	}

	results := make([]SweepResult, len(sweeps))
	var g errgroup.Group
	for i, sw := range sweeps {
		g.Go(func() error {
			r, err := sw.fn(ctx)
			if err != nil {
				r.Error = err.Error()
			}
			results[i] = r
			return err
		})
	}
	err := g.Wait()

	out := ReconciliationResult{Sweeps: results}
	for _, r := range results {
		out.TotalExamined += r.Examined
		out.TotalRepublished += r.Republished
		out.TotalLinked += r.Linked
		out.TotalPoisoned += r.Poisoned
		out.TotalSkipped += r.Skipped
		out.TotalFailed += r.Failed
	}
	out.Elapsed = s.clock().Sub(start)

	s.log.Infof("reconciliation finished in %s: examined=%d republished=%d linked=%d poisoned=%d skipped=%d failed=%d",
		out.Elapsed, out.TotalExamined, out.TotalRepublished, out.TotalLinked, out.TotalPoisoned, out.TotalSkipped, out.TotalFailed)
	if err != nil {
		return out, fmt.Errorf("reconciliation: %w", err)
	}
	return out, nil
}

// ReconcileOrphanedUsers re-drives UserCreated messages whose member was never created.
func (s *ReconciliationService) ReconcileOrphanedUsers(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx, SweepOrphanedUsers, userCreatedType, s.pendingCandidates, func(ctx context.Context, ev events.IntegrationEvent) (uuid.UUID, string, ActionType, error) {
		e, ok := ev.(identity.UserCreated)
		if !ok {
			return uuid.Nil, "User", "", unexpectedPayload(ev)
		}
		ok, err := s.members.MemberExistsForUser(ctx, e.UserID)
		if err != nil {
			return e.UserID, "User", "", err
		}
		if ok {
			return e.UserID, "User", ActionSkipProcessing, nil
		}
		return e.UserID, "User", ActionRepublishEvent, nil
	})
}

// ReconcileOrphanedMembers re-drives MemberCreated messages whose user does not exist.
func (s *ReconciliationService) ReconcileOrphanedMembers(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx, SweepOrphanedMembers, memberCreatedType, s.pendingCandidates, func(ctx context.Context, ev events.IntegrationEvent) (uuid.UUID, string, ActionType, error) {
		e, ok := ev.(membership.MemberCreated)
		if !ok {
			return uuid.Nil, "Member", "", unexpectedPayload(ev)
		}
		ok, err := s.users.UserExists(ctx, e.UserID)
		if err != nil {
			return e.MemberID, "Member", "", err
		}
		if ok {
			return e.MemberID, "Member", ActionSkipProcessing, nil
		}
		return e.MemberID, "Member", ActionRepublishEvent, nil
	})
}

// ReconcileBrokenLinks repairs user to member links directly when both sides exist, and re-drives the event otherwise.
func (s *ReconciliationService) ReconcileBrokenLinks(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx, SweepBrokenLinks, userMemberLinkedType, s.pendingCandidates, func(ctx context.Context, ev events.IntegrationEvent) (uuid.UUID, string, ActionType, error) {
		e, ok := ev.(membership.UserMemberLinked)
		if !ok {
			return uuid.Nil, "UserMemberLink", "", unexpectedPayload(ev)
		}
		linked, err := s.members.IsLinked(ctx, e.UserID, e.MemberID)
		if err != nil {
			return e.MemberID, "UserMemberLink", "", err
		}
		if linked {
			return e.MemberID, "UserMemberLink", ActionSkipProcessing, nil
		}
		if s.linker == nil {
			return e.MemberID, "UserMemberLink", ActionRepublishEvent, nil
		}

		userOK, err := s.users.UserExists(ctx, e.UserID)
		if err != nil {
			return e.MemberID, "UserMemberLink", "", err
		}
		memberOK, err := s.members.MemberExists(ctx, e.MemberID)
		if err != nil {
			return e.MemberID, "UserMemberLink", "", err
		}
		if !userOK || !memberOK {
			return e.MemberID, "UserMemberLink", ActionRepublishEvent, nil
		}
		if err := s.linker.Link(ctx, e.UserID, e.MemberID); err != nil {
			return e.MemberID, "UserMemberLink", "", fmt.Errorf("link user %s to member %s: %w", e.UserID, e.MemberID, err)
		}
		return e.MemberID, "UserMemberLink", ActionLinkEntities, nil
	})
}

// ReconcileDlqMessages gives retry-exhausted user and member messages another round. Poison stays in the DLQ.
func (s *ReconciliationService) ReconcileDlqMessages(ctx context.Context) (SweepResult, error) {
	result := SweepResult{Sweep: SweepDlq, Actions: []ReconciliationAction{}}
	for _, typeName := range []string{userCreatedType, memberCreatedType, userMemberLinkedType} {
		msgs, err := s.repo.GetDlqMessagesByType(ctx, typeName)
		if err != nil {
			return result, fmt.Errorf("load dlq %s messages: %w", typeName, err)
		}
		for _, msg := range msgs {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Examined++
			action := ReconciliationAction{EntityID: entityFallback(msg), EntityType: msg.EventTypeName, MessageID: msg.ID}
			if msg.IsPoisonMessage {
				action.ActionType = ActionMarkAsPoison
				action.Success = true
				s.record(ctx, &result, action)
				continue
			}
			action.ActionType = ActionRepublishEvent
			s.resetAndRecord(ctx, &result, msg, action)
		}
	}
	return result, nil
}

type candidateFetcher func(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error)

type classifier func(ctx context.Context, ev events.IntegrationEvent) (entityID uuid.UUID, entityType string, action ActionType, err error)

// pendingCandidates returns failed messages plus unprocessed ones older than StaleAfter. Messages
// another worker currently holds a lease on are never returned.
func (s *ReconciliationService) pendingCandidates(ctx context.Context, typeName string) ([]*outbox.OutboxMessage, error) {
	failed, err := s.repo.GetFailedMessagesByType(ctx, typeName)
	if err != nil {
		return nil, err
	}
	unprocessed, err := s.repo.GetUnprocessedMessagesByType(ctx, typeName)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	seen := make(map[uuid.UUID]struct{}, len(failed))
	out := make([]*outbox.OutboxMessage, 0, len(failed))
	for _, m := range failed {
		seen[m.ID] = struct{}{}
		if m.LeaseActive(now) {
			continue
		}
		out = append(out, m)
	}
	for _, m := range unprocessed {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if m.LeaseActive(now) || now.Sub(m.OccurredOn) < s.cfg.StaleAfter {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *ReconciliationService) sweep(ctx context.Context, name, typeName string, fetch candidateFetcher, classify classifier) (SweepResult, error) {
	result := SweepResult{Sweep: name, Actions: []ReconciliationAction{}}

	msgs, err := fetch(ctx, typeName)
	if err != nil {
		return result, fmt.Errorf("load %s candidates: %w", typeName, err)
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Examined++
		action := ReconciliationAction{EntityID: entityFallback(msg), EntityType: msg.EventTypeName, MessageID: msg.ID}

		if msg.IsPoisonMessage {
			action.ActionType = ActionMarkAsPoison
			action.Success = true
			s.record(ctx, &result, action)
			continue
		}

		ev, err := s.decode(msg)
		if err != nil {
			action.ActionType = ActionMarkAsPoison
			msg.MarkPermanentlyFailed(err.Error(), s.clock())
			if uerr := s.repo.Update(ctx, msg); uerr != nil {
				action.Error = uerr.Error()
			} else {
				action.Success = true
			}
			s.record(ctx, &result, action)
			continue
		}

		entityID, entityType, actionType, err := classify(ctx, ev)
		action.EntityID, action.EntityType = entityID, entityType
		if err != nil {
			action.ActionType = ActionRepublishEvent
			action.Error = err.Error()
			s.record(ctx, &result, action)
			continue
		}

		action.ActionType = actionType
		switch actionType {
		case ActionSkipProcessing:
			action.Success = true
			s.record(ctx, &result, action)
		default:
			s.resetAndRecord(ctx, &result, msg, action)
		}
	}
	return result, nil
}

func (s *ReconciliationService) decode(msg *outbox.OutboxMessage) (events.IntegrationEvent, error) {
	desc, err := s.registry.Resolve(msg.FullTypeName, msg.ModuleName, msg.EventTypeName)
	if err != nil {
		return nil, err
	}
	return desc.Decode([]byte(msg.Content))
}

func (s *ReconciliationService) resetAndRecord(ctx context.Context, result *SweepResult, msg *outbox.OutboxMessage, action ReconciliationAction) {
	msg.ResetForRetry()
	if err := s.repo.Update(ctx, msg); err != nil {
		action.Error = err.Error()
	} else {
		action.Success = true
	}
	s.record(ctx, result, action)
}

func (s *ReconciliationService) record(ctx context.Context, result *SweepResult, action ReconciliationAction) {
	result.Actions = append(result.Actions, action)
	if !action.Success {
		result.Failed++
		s.log.Warnf("reconciliation %s: %s on %s %s failed: %s", result.Sweep, action.ActionType, action.EntityType, action.EntityID, action.Error)
		return
	}
	switch action.ActionType {
	case ActionRepublishEvent:
		result.Republished++
	case ActionLinkEntities:
		result.Linked++
	case ActionMarkAsPoison:
		result.Poisoned++
	case ActionSkipProcessing:
		result.Skipped++
	}
	s.metrics.add(ctx, s.metrics.reconciled, 1,
		attribute.String("sweep", result.Sweep), attribute.String("action", string(action.ActionType)))
}

func unexpectedPayload(ev events.IntegrationEvent) error {
	return fmt.Errorf("unexpected payload %T: %w", ev, events.ErrInvalidState)
}

func entityFallback(msg *outbox.OutboxMessage) uuid.UUID {
	if msg.AggregateID != nil {
		return *msg.AggregateID
	}
	return msg.ID
}
