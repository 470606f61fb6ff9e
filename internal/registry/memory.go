package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// InMemory implements Service with in-process concurrency safety.
// All calls are serialized by one lock, so calls touching the same asset are
// strictly ordered and the id counter has a single writer.
type InMemory struct {
	mu        sync.RWMutex
	policy    Policy
	now       func() time.Time
	journal   Journal
	observers []Observer

	lastID    TokenID
	seq       uint64
	assets    map[TokenID]*Asset
	leases    map[TokenID]map[common.Address]int64 // 0 is a cleared record
	current   map[TokenID]Lease
	approvals map[common.Address]map[common.Address]bool
	owned     map[common.Address]map[TokenID]struct{}
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty registry.
func NewInMemory(opts ...Option) *InMemory {
	policy, now, journal, observers := BuildOptions(opts...)
	return &InMemory{
		policy:    policy,
		now:       now,
		journal:   journal,
		observers: observers,
		assets:    make(map[TokenID]*Asset),
		leases:    make(map[TokenID]map[common.Address]int64),
		current:   make(map[TokenID]Lease),
		approvals: make(map[common.Address]map[common.Address]bool),
		owned:     make(map[common.Address]map[TokenID]struct{}),
	}
}

func (s *InMemory) Mint(ctx context.Context, caller common.Address, subleaseAllowed bool) (TokenID, error) {
	if !ValidAddress(caller) {
		return 0, ErrInvalidAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !subleaseAllowed && !s.restrictedMintAllowed(caller, 0) {
		return 0, ErrMintLimitExceeded
	}
	ev := Event{
		Kind:            EventMint,
		TokenID:         s.lastID + 1,
		Owner:           caller,
		Caller:          caller,
		SubleaseAllowed: subleaseAllowed,
	}
	if err := s.commit(ctx, &ev); err != nil {
		return 0, err
	}
	return ev.TokenID, nil
}

func (s *InMemory) Remint(ctx context.Context, caller common.Address, id TokenID, subleaseAllowed bool) (TokenID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, err := s.burnable(caller, id)
	if err != nil {
		return 0, err
	}
	if !subleaseAllowed && !s.restrictedMintAllowed(asset.Owner, id) {
		return 0, ErrMintLimitExceeded
	}
	ev := Event{
		Kind:            EventRemint,
		TokenID:         id,
		NewTokenID:      s.lastID + 1,
		Owner:           asset.Owner,
		Caller:          caller,
		SubleaseAllowed: subleaseAllowed,
	}
	if err := s.commit(ctx, &ev); err != nil {
		return 0, err
	}
	return ev.NewTokenID, nil
}

func (s *InMemory) Burn(ctx context.Context, caller common.Address, id TokenID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, err := s.burnable(caller, id)
	if err != nil {
		return err
	}
	ev := Event{
		Kind:    EventBurn,
		TokenID: id,
		Owner:   asset.Owner,
		Caller:  caller,
	}
	return s.commit(ctx, &ev)
}

func (s *InMemory) Lease(ctx context.Context, caller common.Address, id TokenID, to common.Address, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	asset, ok := s.assets[id]
	if !ok {
		return ErrAssetNotFound
	}
	if !s.rolesLocked(caller, asset, now).Any(canLease) {
		return ErrUnauthorized
	}
	if !ValidAddress(to) {
		return ErrInvalidAddress
	}
	if s.policy.RequireFutureExpiry && expiresAt <= now {
		return ErrInvalidExpiry
	}
	ev := Event{
		Kind:      EventLease,
		TokenID:   id,
		Owner:     asset.Owner,
		Caller:    caller,
		From:      s.current[id].Holder,
		To:        to,
		ExpiresAt: expiresAt,
	}
	return s.commit(ctx, &ev)
}

func (s *InMemory) Sublease(ctx context.Context, caller common.Address, id TokenID, from, to common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	asset, ok := s.assets[id]
	if !ok {
		return ErrAssetNotFound
	}
	if !asset.SubleaseAllowed {
		return ErrSubleaseNotAllowed
	}
	cur := s.current[id]
	expiresAt := s.leases[id][from]
	if cur.Holder != from || expiresAt <= now {
		return ErrNoActiveLease
	}
	// from is the active holder here, so the lessee role covers caller == from.
	if !s.rolesLocked(caller, asset, now).Any(canSublease) {
		return ErrUnauthorized
	}
	if !ValidAddress(to) {
		return ErrInvalidAddress
	}
	ev := Event{
		Kind:      EventSublease,
		TokenID:   id,
		Owner:     asset.Owner,
		Caller:    caller,
		From:      from,
		To:        to,
		ExpiresAt: expiresAt,
	}
	return s.commit(ctx, &ev)
}

func (s *InMemory) SetApprovalForAll(ctx context.Context, caller, operator common.Address, approved bool) error {
	if !ValidAddress(caller) || !ValidAddress(operator) || caller == operator {
		return ErrInvalidAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{
		Kind:     EventApproval,
		Owner:    caller,
		Caller:   caller,
		Operator: operator,
		Approved: approved,
	}
	return s.commit(ctx, &ev)
}

func (s *InMemory) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approvals[owner][operator], nil
}

func (s *InMemory) Authorize(ctx context.Context, caller common.Address, id TokenID) (Roles, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[id]
	if !ok {
		return RoleNone, ErrAssetNotFound
	}
	return s.rolesLocked(caller, asset, s.now().Unix()), nil
}

func (s *InMemory) Asset(ctx context.Context, id TokenID) (Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[id]
	if !ok {
		return Asset{}, ErrAssetNotFound
	}
	return *asset, nil
}

func (s *InMemory) IsAllowedForSublease(ctx context.Context, id TokenID) (bool, error) {
	asset, err := s.Asset(ctx, id)
	if err != nil {
		return false, err
	}
	return asset.SubleaseAllowed, nil
}

func (s *InMemory) CurrentLease(ctx context.Context, id TokenID) (Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.assets[id]; !ok {
		return Lease{}, ErrAssetNotFound
	}
	return s.current[id], nil
}

func (s *InMemory) LeaseExpiresOf(ctx context.Context, id TokenID) (int64, error) {
	cur, err := s.CurrentLease(ctx, id)
	if err != nil {
		return 0, err
	}
	return cur.ExpiresAt, nil
}

func (s *InMemory) LeaseExpiresOfHolder(ctx context.Context, id TokenID, holder common.Address) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.assets[id]; !ok {
		return 0, ErrAssetNotFound
	}
	return s.leases[id][holder], nil
}

func (s *InMemory) OwnerOf(ctx context.Context, id TokenID) (common.Address, error) {
	asset, err := s.Asset(ctx, id)
	if err != nil {
		return common.Address{}, err
	}
	return asset.Owner, nil
}

func (s *InMemory) BalanceOf(ctx context.Context, owner common.Address) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.owned[owner]), nil
}

func (s *InMemory) TotalSupply(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets), nil
}

func (s *InMemory) TokensOf(ctx context.Context, owner common.Address) ([]TokenID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]TokenID, 0, len(s.owned[owner]))
	for id := range s.owned[owner] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Apply re-applies a previously committed event without any checks.
// Events at or below the current sequence are ignored.
func (s *InMemory) Apply(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Seq <= s.seq {
		return nil
	}
	if err := s.apply(ev); err != nil {
		return err
	}
	s.seq = ev.Seq
	return nil
}

// Seq returns the sequence number of the last applied event.
func (s *InMemory) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// --- locked helpers ---

func (s *InMemory) rolesLocked(caller common.Address, asset *Asset, now int64) Roles {
	return resolveRoles(caller, *asset, s.approvals[asset.Owner][caller], s.current[asset.ID], now)
}

// burnable checks the shared preconditions of Burn and Remint.
func (s *InMemory) burnable(caller common.Address, id TokenID) (*Asset, error) {
	now := s.now().Unix()
	asset, ok := s.assets[id]
	if !ok {
		return nil, ErrAssetNotFound
	}
	if !s.rolesLocked(caller, asset, now).Any(canBurn) {
		return nil, ErrUnauthorized
	}
	if s.current[id].ExpiresAt > now {
		return nil, ErrActiveLease
	}
	return asset, nil
}

// restrictedMintAllowed counts the owner's live restricted assets, ignoring
// the asset being reminted.
func (s *InMemory) restrictedMintAllowed(owner common.Address, replacing TokenID) bool {
	limit := s.policy.RestrictedMintLimit
	if limit <= 0 {
		return true
	}
	held := 0
	for id := range s.owned[owner] {
		if id == replacing {
			continue
		}
		if !s.assets[id].SubleaseAllowed {
			held++
		}
	}
	return held < limit
}

// commit journals, applies and publishes ev. Nothing changes if the journal fails.
func (s *InMemory) commit(ctx context.Context, ev *Event) error {
	ev.Seq = s.seq + 1
	ev.At = s.now().UTC()
	if s.journal != nil {
		if err := s.journal.Append(ctx, *ev); err != nil {
			return fmt.Errorf("journal %s: %w", ev.Kind, err)
		}
	}
	if err := s.apply(*ev); err != nil {
		return err
	}
	s.seq = ev.Seq
	for _, obs := range s.observers {
		obs.Observe(*ev)
	}
	return nil
}

func (s *InMemory) apply(ev Event) error {
	switch ev.Kind {
	case EventMint:
		s.create(ev.TokenID, ev.Owner, ev.SubleaseAllowed, ev.At)
	case EventRemint:
		s.destroy(ev.TokenID)
		s.create(ev.NewTokenID, ev.Owner, ev.SubleaseAllowed, ev.At)
	case EventBurn:
		s.destroy(ev.TokenID)
	case EventLease:
		s.record(ev.TokenID, ev.To, ev.ExpiresAt)
		s.current[ev.TokenID] = Lease{Holder: ev.To, ExpiresAt: ev.ExpiresAt}
	case EventSublease:
		s.record(ev.TokenID, ev.From, 0)
		s.record(ev.TokenID, ev.To, ev.ExpiresAt)
		s.current[ev.TokenID] = Lease{Holder: ev.To, ExpiresAt: ev.ExpiresAt}
	case EventApproval:
		ops, ok := s.approvals[ev.Owner]
		if !ok {
			ops = make(map[common.Address]bool)
			s.approvals[ev.Owner] = ops
		}
		if ev.Approved {
			ops[ev.Operator] = true
		} else {
			delete(ops, ev.Operator)
		}
	default:
		return fmt.Errorf("registry: unknown event kind %q", ev.Kind)
	}
	return nil
}

func (s *InMemory) create(id TokenID, owner common.Address, subleaseAllowed bool, at time.Time) {
	s.assets[id] = &Asset{
		ID:              id,
		Owner:           owner,
		SubleaseAllowed: subleaseAllowed,
		MintedAt:        at,
	}
	set, ok := s.owned[owner]
	if !ok {
		set = make(map[TokenID]struct{})
		s.owned[owner] = set
	}
	set[id] = struct{}{}
	if id > s.lastID {
		s.lastID = id
	}
}

func (s *InMemory) destroy(id TokenID) {
	asset, ok := s.assets[id]
	if !ok {
		return
	}
	delete(s.owned[asset.Owner], id)
	if len(s.owned[asset.Owner]) == 0 {
		delete(s.owned, asset.Owner)
	}
	delete(s.assets, id)
	delete(s.leases, id)
	delete(s.current, id)
}

func (s *InMemory) record(id TokenID, holder common.Address, expiresAt int64) {
	recs, ok := s.leases[id]
	if !ok {
		recs = make(map[common.Address]int64)
		s.leases[id] = recs
	}
	recs[holder] = expiresAt
}
