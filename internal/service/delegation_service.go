package service

import (
	"context"
	"time"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/logger"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
)

// DelegationService is the delegation registry: it tracks time-bounded
// transfers of authority and resolves the effective actor for a holder at a
// point in time. Resolution follows exactly one hop — chains are refused at
// creation time, never walked.
type DelegationService struct {
	delegations DelegationStore
	holders     HolderStore
	log         *logger.Logger
	now         func() time.Time
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(delegations DelegationStore, holders HolderStore, log *logger.Logger) *DelegationService {
	return &DelegationService{
		delegations: delegations,
		holders:     holders,
		log:         log,
		now:         time.Now,
	}
}

// EffectiveActor returns the holder who has standing to act for holderRef's
// authority at the given instant: the delegate when an active standing
// delegation covers at, otherwise the holder itself.
func (s *DelegationService) EffectiveActor(ctx context.Context, holderRef, authorityType string, at time.Time) (string, error) {
	d, err := s.delegations.FindActive(ctx, holderRef, authorityType, at)
	if err != nil {
		return "", err
	}
	if d != nil {
		return d.DelegateRef, nil
	}
	return holderRef, nil
}

// EffectiveActorForRequest resolves like EffectiveActor but also honors
// delegations scoped to the specific request, which outrank standing ones.
func (s *DelegationService) EffectiveActorForRequest(ctx context.Context, holderRef, authorityType, requestID string, at time.Time) (string, error) {
	d, err := s.delegations.FindActiveForRequest(ctx, holderRef, authorityType, requestID, at)
	if err != nil {
		return "", err
	}
	if d != nil {
		return d.DelegateRef, nil
	}
	return holderRef, nil
}

// CreateDelegationInput describes a standing delegation.
type CreateDelegationInput struct {
	DelegatorRef  string
	DelegateRef   string
	AuthorityType string
	ValidFrom     time.Time
	ValidTo       time.Time
	Reason        string
}

// CreateDelegation validates and persists a standing delegation. Creating a
// new one auto-revokes any prior active delegation for the same (delegator,
// authority_type). A delegator who is currently someone's delegate is
// refused: liability must stay one hop deep.
func (s *DelegationService) CreateDelegation(ctx context.Context, in CreateDelegationInput) (*repository.Delegation, error) {
	if in.DelegatorRef == "" || in.DelegateRef == "" {
		return nil, apperrors.InvalidInput("delegation", "delegator_ref and delegate_ref are required")
	}
	if in.DelegatorRef == in.DelegateRef {
		return nil, apperrors.InvalidInput("delegate_ref", "cannot delegate to oneself")
	}
	if in.AuthorityType == "" {
		return nil, apperrors.InvalidInput("authority_type", "is required")
	}
	if !in.ValidTo.After(in.ValidFrom) {
		return nil, apperrors.InvalidInput("valid_to", "must be after valid_from")
	}

	if _, err := s.holders.GetByUserRef(ctx, in.DelegateRef); err != nil {
		return nil, err
	}

	chained, err := s.delegations.FindActiveAsDelegate(ctx, in.DelegatorRef, in.AuthorityType, s.now())
	if err != nil {
		return nil, err
	}
	if chained != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"chained delegation refused: %s already holds delegated %s authority from %s",
			in.DelegatorRef, in.AuthorityType, chained.DelegatorRef)
	}

	d := &repository.Delegation{
		DelegatorRef:  in.DelegatorRef,
		DelegateRef:   in.DelegateRef,
		AuthorityType: in.AuthorityType,
		ValidFrom:     in.ValidFrom,
		ValidTo:       in.ValidTo,
		Reason:        in.Reason,
	}
	if err := s.delegations.Create(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("delegation_id", d.ID).
		Str("delegator", d.DelegatorRef).
		Str("delegate", d.DelegateRef).
		Str("authority_type", d.AuthorityType).
		Msg("Delegation created")
	return d, nil
}

// ActiveAsDelegate returns the delegation under which userRef currently acts
// as someone's delegate for the authority type, or nil. Anyone covered by one
// may not delegate that authority onward.
func (s *DelegationService) ActiveAsDelegate(ctx context.Context, userRef, authorityType string, at time.Time) (*repository.Delegation, error) {
	return s.delegations.FindActiveAsDelegate(ctx, userRef, authorityType, at)
}

// RevokeDelegation revokes immediately for any not-yet-created level
// resolution. Levels already assigned to the delegate stay with the delegate
// until an escalation reassigns them.
func (s *DelegationService) RevokeDelegation(ctx context.Context, id, revokedBy string) error {
	if err := s.delegations.Revoke(ctx, id, revokedBy); err != nil {
		return err
	}
	s.log.Info().Str("delegation_id", id).Str("revoked_by", revokedBy).Msg("Delegation revoked")
	return nil
}

// ListDelegations returns all delegations created by a user.
func (s *DelegationService) ListDelegations(ctx context.Context, delegatorRef string) ([]*repository.Delegation, error) {
	return s.delegations.ListForDelegator(ctx, delegatorRef)
}
