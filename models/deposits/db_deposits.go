package deposits

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/useghost/settle/db"
)

const depositColumns = `id, external_id, settlement_ref, status, amount_cents,
	fee_cents, net_cents, owner_ref, payout_address, payment_hash,
	retry_attempts, last_error, last_attempt_at, settled_at, created_at, updated_at`

// Store reads and writes deposits. It holds no state besides the handle it
// was given, so one store per invocation is cheap.
type Store struct {
	db  db.GetExecer
	now func() time.Time
}

// NewStore creates a deposit store on top of the given database handle
func NewStore(d db.GetExecer) *Store {
	return &Store{
		db:  d,
		now: func() time.Time { return time.Now() },
	}
}

// timestamp is the current time as the store persists it. Postgres keeps
// microseconds, so that is what we keep everywhere
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// StatusUpdate carries what UpdateStatus writes besides the status itself
type StatusUpdate struct {
	// From is the status the deposit must currently have. When empty, any
	// non-terminal status matches
	From Status
	// PaymentHash is stored when non-empty, existing hashes are kept otherwise
	PaymentHash string
	// Reason is stored as the last error. Empty clears it
	Reason string
	// CountAttempt increments the retry counter and stamps the attempt time
	CountAttempt bool
}

// Insert persists a new deposit and returns it as stored
func (s *Store) Insert(ctx context.Context, d Deposit) (Deposit, error) {
	if err := d.Validate(); err != nil {
		return Deposit{}, err
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	now := s.timestamp()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.CreatedAt = d.CreatedAt.UTC().Truncate(time.Microsecond)

	log.WithFields(logrus.Fields{
		"status":      d.Status,
		"amountCents": d.AmountCents,
		"ownerRef":    d.OwnerRef,
	}).Debug("Inserting deposit")

	query := `INSERT INTO deposits (external_id, settlement_ref, status, amount_cents,
		fee_cents, net_cents, owner_ref, payout_address, payment_hash, retry_attempts,
		last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(query),
		d.ExternalID, d.SettlementRef, d.Status, d.AmountCents,
		d.FeeCents, d.NetCents, d.OwnerRef, d.PayoutAddress, d.PaymentHash, d.RetryAttempts,
		d.LastError, d.CreatedAt, now,
	).Scan(&id)
	if err != nil {
		return Deposit{}, errors.Wrap(err, "could not insert deposit")
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a single deposit. A missing deposit is reported as a
// wrapped sql.ErrNoRows.
func (s *Store) GetByID(ctx context.Context, id int64) (Deposit, error) {
	var d Deposit
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE id = ?`
	if err := s.db.GetContext(ctx, &d, s.db.Rebind(query), id); err != nil {
		return Deposit{}, fmt.Errorf("could not get deposit %d: %w", id, err)
	}
	return d, nil
}

// GetByExternalID fetches the deposit the payment gateway knows by externalID
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (Deposit, error) {
	var d Deposit
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE external_id = ?`
	if err := s.db.GetContext(ctx, &d, s.db.Rebind(query), externalID); err != nil {
		return Deposit{}, fmt.Errorf("could not get deposit with external id %q: %w", externalID, err)
	}
	return d, nil
}

// SelectPendingReconciliation returns deposits that were submitted to the
// gateway but have no settlement reference yet, oldest first. A limit of
// zero or less means no limit.
func (s *Store) SelectPendingReconciliation(ctx context.Context, limit int) ([]Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits
		WHERE external_id IS NOT NULL AND external_id <> ''
		AND (settlement_ref IS NULL OR settlement_ref = '')
		ORDER BY created_at ASC, id ASC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	found := []Deposit{}
	if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not select deposits pending reconciliation")
	}
	return found, nil
}

// SelectFailedForRetry returns up to limit failed deposits, oldest first.
// When maxAttempts is positive, deposits that already used up their
// attempts are left out.
func (s *Store) SelectFailedForRetry(ctx context.Context, limit, maxAttempts int) ([]Deposit, error) {
	if limit <= 0 {
		return nil, errors.Wrapf(ErrInvalidLimit, "got %d", limit)
	}
	return s.selectFailed(ctx, limit, maxAttempts)
}

// ListFallbackQueue returns every failed deposit, including the ones past
// their retry cap. A limit of zero or less means no limit.
func (s *Store) ListFallbackQueue(ctx context.Context, limit int) ([]Deposit, error) {
	return s.selectFailed(ctx, limit, 0)
}

func (s *Store) selectFailed(ctx context.Context, limit, maxAttempts int) ([]Deposit, error) {
	conditions := []string{"status = ?"}
	args := []interface{}{StatusFailed}
	if maxAttempts > 0 {
		conditions = append(conditions, "retry_attempts < ?")
		args = append(args, maxAttempts)
	}

	query := `SELECT ` + depositColumns + ` FROM deposits
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	found := []Deposit{}
	if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "could not select failed deposits")
	}
	return found, nil
}

// CountByStatus counts deposits per status. Statuses without deposits are
// reported as zero.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	var rows []struct {
		Status Status `db:"status"`
		Count  int    `db:"count"`
	}
	query := `SELECT status, COUNT(*) AS count FROM deposits GROUP BY status`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Wrap(err, "could not count deposits")
	}

	counts := make(map[Status]int, len(allStatuses))
	for _, status := range allStatuses {
		counts[status] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// UpdateSettlementRef sets the settlement reference of a deposit, but only
// if it is currently empty. It reports false when nothing was written,
// which means another run got there first. Like every write it returns an
// error wrapping db.ErrStoreConnection when the store stopped answering.
func (s *Store) UpdateSettlementRef(ctx context.Context, id int64, ref string) (bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false, ErrEmptySettlementRef
	}

	now := s.timestamp()
	query := `UPDATE deposits SET settlement_ref = ?, settled_at = ?, updated_at = ?
		WHERE id = ? AND (settlement_ref IS NULL OR settlement_ref = '')`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), ref, now, now, id)
	if err != nil {
		return false, db.CheckConnection(ctx, s.db,
			errors.Wrapf(err, "could not set settlement reference of deposit %d", id))
	}

	updated, err := affectedOne(res)
	if err != nil {
		return false, err
	}
	log.WithFields(logrus.Fields{
		"id":            id,
		"settlementRef": ref,
		"updated":       updated,
	}).Debug("Wrote settlement reference")
	return updated, nil
}

// UpdateStatus moves a deposit to newStatus, guarded by its current status.
// Terminal statuses are never moved. It reports false when the guard did
// not match, which means another run changed the deposit first.
func (s *Store) UpdateStatus(ctx context.Context, id int64, newStatus Status, meta StatusUpdate) (bool, error) {
	if !newStatus.Valid() {
		return false, errors.Wrapf(ErrInvalidStatus, "%q", newStatus)
	}
	if meta.From != "" && !meta.From.Valid() {
		return false, errors.Wrapf(ErrInvalidStatus, "%q", meta.From)
	}
	if meta.From.Terminal() {
		return false, errors.Wrapf(ErrTerminalStatus, "cannot move deposit %d from %s", id, meta.From)
	}

	now := s.timestamp()
	var paymentHash, reason *string
	if meta.PaymentHash != "" {
		paymentHash = &meta.PaymentHash
	}
	if meta.Reason != "" {
		reason = &meta.Reason
	}
	attempt := 0
	var attemptAt *time.Time
	if meta.CountAttempt {
		attempt = 1
		attemptAt = &now
	}

	query := `UPDATE deposits SET status = ?,
		payment_hash = COALESCE(?, payment_hash),
		last_error = ?,
		retry_attempts = retry_attempts + ?,
		last_attempt_at = COALESCE(?, last_attempt_at),
		updated_at = ?
		WHERE id = ?`
	args := []interface{}{newStatus, paymentHash, reason, attempt, attemptAt, now, id}
	if meta.From != "" {
		query += ` AND status = ?`
		args = append(args, meta.From)
	} else {
		query += ` AND status NOT IN (?, ?)`
		args = append(args, StatusPaid, StatusCompleted)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, db.CheckConnection(ctx, s.db,
			errors.Wrapf(err, "could not update status of deposit %d", id))
	}
	updated, err := affectedOne(res)
	if err != nil {
		return false, err
	}

	log.WithFields(logrus.Fields{
		"id":      id,
		"from":    meta.From,
		"to":      newStatus,
		"updated": updated,
	}).Debug("Updated deposit status")
	return updated, nil
}

// RecordRetryFailure counts a failed retry of a failed deposit and stores
// the reason. It reports false if the deposit is no longer failed.
func (s *Store) RecordRetryFailure(ctx context.Context, id int64, reason string) (bool, error) {
	now := s.timestamp()
	query := `UPDATE deposits SET retry_attempts = retry_attempts + 1,
		last_error = ?, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), reason, now, now, id, StatusFailed)
	if err != nil {
		return false, db.CheckConnection(ctx, s.db,
			errors.Wrapf(err, "could not record retry failure of deposit %d", id))
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "could not read affected rows")
	}
	return affected == 1, nil
}
