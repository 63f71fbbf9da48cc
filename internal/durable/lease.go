package durable

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joelkehle/chatflow/internal/chat"
)

// Leases hands out time-bounded exclusive ownership tokens so that at most
// one batch worker instance flushes at a time when the service is scaled
// horizontally. Single-instance deployments can skip it entirely.
type Leases struct {
	db    *sqlx.DB
	clock func() time.Time
}

func NewLeases(db *sqlx.DB) *Leases {
	return &Leases{db: db, clock: time.Now}
}

// SetClock overrides the time source. Test hook.
func (l *Leases) SetClock(clock func() time.Time) {
	l.clock = clock
}

// Acquire takes or renews the named lease for holder. It reports false when
// another live holder owns it. Expired leases are claimable by anyone.
func (l *Leases) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := l.clock().UTC()
	expiresAt := timeToString(now.Add(ttl))

	res, err := l.db.ExecContext(ctx, `INSERT INTO leases (name, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at <= ?`,
		name, holder, expiresAt, timeToString(now),
	)
	if err != nil {
		return false, chat.NewUnavailableError("acquire lease: " + err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, chat.NewInternalError("lease rows affected: " + err.Error())
	}
	return n > 0, nil
}

// Release drops the lease if holder still owns it. Releasing a lease held
// by someone else is a no-op.
func (l *Leases) Release(ctx context.Context, name, holder string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return chat.NewUnavailableError("release lease: " + err.Error())
	}
	return nil
}
