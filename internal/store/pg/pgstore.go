package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/jackc/pgx/v5/stdlib"

	"metaprofile.org/internal/registry"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the registry schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Store is a Postgres backed registry. Mutations run in serializable
// transactions and lock the asset row, so calls on one asset are ordered.
type Store struct {
	db        *sql.DB
	policy    registry.Policy
	now       func() time.Time
	observers []registry.Observer
}

var _ registry.Service = (*Store)(nil)

// Open connects to dsn using the pgx driver.
func Open(dsn string, opts ...registry.Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing connection pool. The journal option is ignored: the
// registry_events table is written in the same transaction as each mutation.
func New(db *sql.DB, opts ...registry.Option) *Store {
	policy, now, _, observers := registry.BuildOptions(opts...)
	return &Store{db: db, policy: policy, now: now, observers: observers}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Mint(ctx context.Context, caller common.Address, subleaseAllowed bool) (registry.TokenID, error) {
	if !registry.ValidAddress(caller) {
		return 0, registry.ErrInvalidAddress
	}
	ev := registry.Event{Kind: registry.EventMint, Owner: caller, Caller: caller, SubleaseAllowed: subleaseAllowed}
	err := s.mutate(ctx, &ev, func(tx *sql.Tx) error {
		if !subleaseAllowed {
			if err := s.checkRestrictedLimit(ctx, tx, caller, 0); err != nil {
				return err
			}
		}
		id, err := s.insertAsset(ctx, tx, caller, subleaseAllowed, ev.At)
		ev.TokenID = id
		return err
	})
	if err != nil {
		return 0, err
	}
	return ev.TokenID, nil
}

func (s *Store) Remint(ctx context.Context, caller common.Address, id registry.TokenID, subleaseAllowed bool) (registry.TokenID, error) {
	ev := registry.Event{Kind: registry.EventRemint, TokenID: id, Caller: caller, SubleaseAllowed: subleaseAllowed}
	err := s.mutate(ctx, &ev, func(tx *sql.Tx) error {
		asset, err := s.burnable(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		ev.Owner = asset.Owner
		if !subleaseAllowed {
			if err := s.checkRestrictedLimit(ctx, tx, asset.Owner, id); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `delete from assets where id = $1`, int64(id)); err != nil {
			return err
		}
		ev.NewTokenID, err = s.insertAsset(ctx, tx, asset.Owner, subleaseAllowed, ev.At)
		return err
	})
	if err != nil {
		return 0, err
	}
	return ev.NewTokenID, nil
}

func (s *Store) Burn(ctx context.Context, caller common.Address, id registry.TokenID) error {
	ev := registry.Event{Kind: registry.EventBurn, TokenID: id, Caller: caller}
	return s.mutate(ctx, &ev, func(tx *sql.Tx) error {
		asset, err := s.burnable(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		ev.Owner = asset.Owner
		// lease_records and current_leases cascade.
		_, err = tx.ExecContext(ctx, `delete from assets where id = $1`, int64(id))
		return err
	})
}

func (s *Store) Lease(ctx context.Context, caller common.Address, id registry.TokenID, to common.Address, expiresAt int64) error {
	ev := registry.Event{Kind: registry.EventLease, TokenID: id, Caller: caller, To: to, ExpiresAt: expiresAt}
	return s.mutate(ctx, &ev, func(tx *sql.Tx) error {
		now := ev.At.Unix()
		asset, err := loadAsset(ctx, tx, id, true)
		if err != nil {
			return err
		}
		roles, cur, err := authorize(ctx, tx, caller, asset, now)
		if err != nil {
			return err
		}
		if !roles.Any(registry.RoleOwner | registry.RoleOperator) {
			return registry.ErrUnauthorized
		}
		if !registry.ValidAddress(to) {
			return registry.ErrInvalidAddress
		}
		if s.policy.RequireFutureExpiry && expiresAt <= now {
			return registry.ErrInvalidExpiry
		}
		ev.Owner = asset.Owner
		ev.From = cur.Holder
		return setLease(ctx, tx, id, to, expiresAt)
	})
}

func (s *Store) Sublease(ctx context.Context, caller common.Address, id registry.TokenID, from, to common.Address) error {
	ev := registry.Event{Kind: registry.EventSublease, TokenID: id, Caller: caller, From: from, To: to}
	return s.mutate(ctx, &ev, func(tx *sql.Tx) error {
		now := ev.At.Unix()
		asset, err := loadAsset(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !asset.SubleaseAllowed {
			return registry.ErrSubleaseNotAllowed
		}
		roles, cur, err := authorize(ctx, tx, caller, asset, now)
		if err != nil {
			return err
		}
		// The current holder's record always equals the current lease expiry.
		if cur.Holder != from || cur.ExpiresAt <= now {
			return registry.ErrNoActiveLease
		}
		if !roles.Any(registry.RoleOwner | registry.RoleOperator | registry.RoleLessee) {
			return registry.ErrUnauthorized
		}
		if !registry.ValidAddress(to) {
			return registry.ErrInvalidAddress
		}
		ev.Owner = asset.Owner
		ev.ExpiresAt = cur.ExpiresAt
		if _, err := tx.ExecContext(ctx, `
			update lease_records set expires_at = 0 where asset_id = $1 and holder = $2
		`, int64(id), from.Bytes()); err != nil {
			return err
		}
		return setLease(ctx, tx, id, to, cur.ExpiresAt)
	})
}

func (s *Store) SetApprovalForAll(ctx context.Context, caller, operator common.Address, approved bool) error {
	if !registry.ValidAddress(caller) || !registry.ValidAddress(operator) || caller == operator {
		return registry.ErrInvalidAddress
	}
	ev := registry.Event{Kind: registry.EventApproval, Owner: caller, Caller: caller, Operator: operator, Approved: approved}
	return s.mutate(ctx, &ev, func(tx *sql.Tx) error {
		var err error
		if approved {
			_, err = tx.ExecContext(ctx, `
				insert into approvals (owner, operator) values ($1, $2) on conflict do nothing
			`, caller.Bytes(), operator.Bytes())
		} else {
			_, err = tx.ExecContext(ctx, `
				delete from approvals where owner = $1 and operator = $2
			`, caller.Bytes(), operator.Bytes())
		}
		return err
	})
}

func (s *Store) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	return isApproved(ctx, s.db, owner, operator)
}

func (s *Store) Authorize(ctx context.Context, caller common.Address, id registry.TokenID) (registry.Roles, error) {
	asset, err := loadAsset(ctx, s.db, id, false)
	if err != nil {
		return registry.RoleNone, err
	}
	roles, _, err := authorize(ctx, s.db, caller, asset, s.now().Unix())
	return roles, err
}

func (s *Store) Asset(ctx context.Context, id registry.TokenID) (registry.Asset, error) {
	return loadAsset(ctx, s.db, id, false)
}

func (s *Store) IsAllowedForSublease(ctx context.Context, id registry.TokenID) (bool, error) {
	asset, err := loadAsset(ctx, s.db, id, false)
	if err != nil {
		return false, err
	}
	return asset.SubleaseAllowed, nil
}

func (s *Store) CurrentLease(ctx context.Context, id registry.TokenID) (registry.Lease, error) {
	var (
		holder []byte
		lease  registry.Lease
	)
	err := s.db.QueryRowContext(ctx, `
		select coalesce(c.holder, ''::bytea), coalesce(c.expires_at, 0)
		from assets a left join current_leases c on c.asset_id = a.id
		where a.id = $1
	`, int64(id)).Scan(&holder, &lease.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Lease{}, registry.ErrAssetNotFound
	}
	if err != nil {
		return registry.Lease{}, err
	}
	lease.Holder = common.BytesToAddress(holder)
	return lease, nil
}

func (s *Store) LeaseExpiresOf(ctx context.Context, id registry.TokenID) (int64, error) {
	lease, err := s.CurrentLease(ctx, id)
	if err != nil {
		return 0, err
	}
	return lease.ExpiresAt, nil
}

func (s *Store) LeaseExpiresOfHolder(ctx context.Context, id registry.TokenID, holder common.Address) (int64, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(l.expires_at, 0)
		from assets a left join lease_records l on l.asset_id = a.id and l.holder = $2
		where a.id = $1
	`, int64(id), holder.Bytes()).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, registry.ErrAssetNotFound
	}
	if err != nil {
		return 0, err
	}
	return expiresAt, nil
}

func (s *Store) OwnerOf(ctx context.Context, id registry.TokenID) (common.Address, error) {
	asset, err := loadAsset(ctx, s.db, id, false)
	if err != nil {
		return common.Address{}, err
	}
	return asset.Owner, nil
}

func (s *Store) BalanceOf(ctx context.Context, owner common.Address) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from assets where owner = $1`, owner.Bytes()).Scan(&n)
	return n, err
}

func (s *Store) TotalSupply(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from assets`).Scan(&n)
	return n, err
}

func (s *Store) TokensOf(ctx context.Context, owner common.Address) ([]registry.TokenID, error) {
	rows, err := s.db.QueryContext(ctx, `select id from assets where owner = $1 order by id asc`, owner.Bytes())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []registry.TokenID{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, registry.TokenID(id))
	}
	return ids, rows.Err()
}

// --- helpers ---

// mutate runs fn in a serializable transaction, records ev and notifies
// observers once the transaction has committed.
func (s *Store) mutate(ctx context.Context, ev *registry.Event, fn func(tx *sql.Tx) error) error {
	ev.At = s.now().UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `
		insert into registry_events (kind, payload) values ($1, $2) returning seq
	`, string(ev.Kind), payload).Scan(&seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ev.Seq = uint64(seq)
	for _, obs := range s.observers {
		obs.Observe(*ev)
	}
	return nil
}

func (s *Store) burnable(ctx context.Context, tx *sql.Tx, caller common.Address, id registry.TokenID) (registry.Asset, error) {
	now := s.now().Unix()
	asset, err := loadAsset(ctx, tx, id, true)
	if err != nil {
		return registry.Asset{}, err
	}
	roles, cur, err := authorize(ctx, tx, caller, asset, now)
	if err != nil {
		return registry.Asset{}, err
	}
	if !roles.Any(registry.RoleOwner | registry.RoleOperator) {
		return registry.Asset{}, registry.ErrUnauthorized
	}
	if cur.ExpiresAt > now {
		return registry.Asset{}, registry.ErrActiveLease
	}
	return asset, nil
}

func (s *Store) checkRestrictedLimit(ctx context.Context, tx *sql.Tx, owner common.Address, replacing registry.TokenID) error {
	if s.policy.RestrictedMintLimit <= 0 {
		return nil
	}
	var held int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from assets where owner = $1 and not sublease_allowed and id <> $2
	`, owner.Bytes(), int64(replacing)).Scan(&held); err != nil {
		return err
	}
	if held >= s.policy.RestrictedMintLimit {
		return registry.ErrMintLimitExceeded
	}
	return nil
}

func (s *Store) insertAsset(ctx context.Context, tx *sql.Tx, owner common.Address, subleaseAllowed bool, at time.Time) (registry.TokenID, error) {
	var id int64
	if err := tx.QueryRowContext(ctx, `
		update registry_counters set value = value + 1 where name = 'asset_id' returning value
	`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate asset id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into assets (id, owner, sublease_allowed, minted_at) values ($1, $2, $3, $4)
	`, id, owner.Bytes(), subleaseAllowed, at); err != nil {
		return 0, err
	}
	return registry.TokenID(id), nil
}

func loadAsset(ctx context.Context, q querier, id registry.TokenID, forUpdate bool) (registry.Asset, error) {
	query := `select owner, sublease_allowed, minted_at from assets where id = $1`
	if forUpdate {
		query += ` for update`
	}
	var (
		owner []byte
		asset = registry.Asset{ID: id}
	)
	err := q.QueryRowContext(ctx, query, int64(id)).Scan(&owner, &asset.SubleaseAllowed, &asset.MintedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Asset{}, registry.ErrAssetNotFound
	}
	if err != nil {
		return registry.Asset{}, err
	}
	asset.Owner = common.BytesToAddress(owner)
	return asset, nil
}

// authorize resolves the caller's roles and returns the current lease it read.
func authorize(ctx context.Context, q querier, caller common.Address, asset registry.Asset, now int64) (registry.Roles, registry.Lease, error) {
	var roles registry.Roles
	if caller == asset.Owner {
		roles |= registry.RoleOwner
	}
	approved, err := isApproved(ctx, q, asset.Owner, caller)
	if err != nil {
		return registry.RoleNone, registry.Lease{}, err
	}
	if approved {
		roles |= registry.RoleOperator
	}

	var (
		holder []byte
		cur    registry.Lease
	)
	err = q.QueryRowContext(ctx, `
		select holder, expires_at from current_leases where asset_id = $1
	`, int64(asset.ID)).Scan(&holder, &cur.ExpiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return registry.RoleNone, registry.Lease{}, err
	default:
		cur.Holder = common.BytesToAddress(holder)
	}
	if cur.Active(now) && cur.Holder == caller {
		roles |= registry.RoleLessee
	}
	return roles, cur, nil
}

func isApproved(ctx context.Context, q querier, owner, operator common.Address) (bool, error) {
	var ok bool
	err := q.QueryRowContext(ctx, `
		select exists(select 1 from approvals where owner = $1 and operator = $2)
	`, owner.Bytes(), operator.Bytes()).Scan(&ok)
	return ok, err
}

func setLease(ctx context.Context, tx *sql.Tx, id registry.TokenID, holder common.Address, expiresAt int64) error {
	if _, err := tx.ExecContext(ctx, `
		insert into lease_records (asset_id, holder, expires_at) values ($1, $2, $3)
		on conflict (asset_id, holder) do update set expires_at = excluded.expires_at
	`, int64(id), holder.Bytes(), expiresAt); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		insert into current_leases (asset_id, holder, expires_at) values ($1, $2, $3)
		on conflict (asset_id) do update set holder = excluded.holder, expires_at = excluded.expires_at
	`, int64(id), holder.Bytes(), expiresAt)
	return err
}
