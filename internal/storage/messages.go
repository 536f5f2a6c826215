package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message states in queue_messages.
const (
	MessageReady     = "ready"
	MessageLeased    = "leased"
	MessageDone      = "done"
	MessageCancelled = "cancelled"
	MessageDead      = "dead"
)

var ErrMessageNotFound = errors.New("queue message not found")

// Message is one delivery unit of the sqlite queue backend.
type Message struct {
	ID             string
	Subject        string
	ExecutionID    string
	Priority       int
	State          string
	Deliveries     int
	AvailableAt    time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
}

const messageColumns = `id,subject,execution_id,priority,state,deliveries,available_at,lease_owner,lease_expires_at,created_at`

func (s *SQLiteStorage) EnqueueMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := s.now()
	m.State = MessageReady
	if m.AvailableAt.IsZero() {
		m.AvailableAt = now
	}
	m.CreatedAt = now
	return s.write(ctx, "enqueue message", func(q querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO queue_messages(id,subject,execution_id,priority,state,deliveries,available_at,created_at,updated_at)
			VALUES(?,?,?,?,?,0,?,?,?)`,
			m.ID, m.Subject, m.ExecutionID, m.Priority, m.State, ts(m.AvailableAt), ts(now), ts(now))
		if err != nil {
			return fmt.Errorf("enqueue message: %w", err)
		}
		return nil
	})
}

// ClaimMessage leases the most urgent ready message of subject to owner.
// Higher priority first, then oldest. Returns nil, nil when nothing is ready.
func (s *SQLiteStorage) ClaimMessage(ctx context.Context, subject, owner string, lease time.Duration) (*Message, error) {
	var out *Message
	err := s.InTx(ctx, func(ctx context.Context) error {
		now := s.now()
		row := s.q(ctx).QueryRowContext(ctx, `SELECT `+messageColumns+` FROM queue_messages
			WHERE subject = ? AND state = ? AND available_at <= ?
			ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT 1`, subject, MessageReady, ts(now))
		m, err := scanMessage(row.Scan)
		if err != nil {
			if errors.Is(err, ErrMessageNotFound) {
				return nil
			}
			return err
		}
		expires := now.Add(lease)
		res, err := s.q(ctx).ExecContext(ctx, `UPDATE queue_messages
			SET state = ?, deliveries = deliveries + 1, lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			MessageLeased, owner, ts(expires), ts(now), m.ID, MessageReady)
		if err != nil {
			return fmt.Errorf("lease message: %w", err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			return nil
		}
		m.State = MessageLeased
		m.Deliveries++
		m.LeaseOwner = owner
		m.LeaseExpiresAt = &expires
		out = m
		return nil
	})
	return out, err
}

// AckMessage completes a leased message. Acking a cancelled message is a no-op.
func (s *SQLiteStorage) AckMessage(ctx context.Context, id string) error {
	return s.setMessageState(ctx, "ack message", id, MessageDone, 0, MessageLeased)
}

// NackMessage returns a leased message to the ready set after delay.
func (s *SQLiteStorage) NackMessage(ctx context.Context, id string, delay time.Duration) error {
	return s.setMessageState(ctx, "nack message", id, MessageReady, delay, MessageLeased)
}

// CancelMessage withdraws a message that is ready or leased. Messages already
// finished are left alone.
func (s *SQLiteStorage) CancelMessage(ctx context.Context, id string) error {
	return s.setMessageState(ctx, "cancel message", id, MessageCancelled, 0, MessageReady, MessageLeased)
}

// ReleaseMessage makes an expired lease ready again.
func (s *SQLiteStorage) ReleaseMessage(ctx context.Context, id string) error {
	return s.setMessageState(ctx, "release message", id, MessageReady, 0, MessageLeased)
}

func (s *SQLiteStorage) DeadLetterMessage(ctx context.Context, id string) error {
	return s.setMessageState(ctx, "dead-letter message", id, MessageDead, 0, MessageLeased)
}

// ExpiredLeases lists leased messages whose lease has run out.
func (s *SQLiteStorage) ExpiredLeases(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+messageColumns+` FROM queue_messages
		WHERE state = ? AND lease_expires_at <= ? ORDER BY lease_expires_at LIMIT ?`,
		MessageLeased, ts(s.now()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) setMessageState(ctx context.Context, name, id, to string, delay time.Duration, from ...string) error {
	return s.write(ctx, name, func(q querier) error {
		var state string
		if err := q.QueryRowContext(ctx, `SELECT state FROM queue_messages WHERE id = ?`, id).Scan(&state); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrMessageNotFound
			}
			return err
		}
		allowed := false
		for _, f := range from {
			if state == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil
		}
		now := s.now()
		_, err := q.ExecContext(ctx, `UPDATE queue_messages
			SET state = ?, available_at = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND state = ?`,
			to, ts(now.Add(delay)), ts(now), id, state)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	m := &Message{}
	var (
		availableAt, createdAt string
		owner, leaseExpires    sql.NullString
	)
	if err := scan(&m.ID, &m.Subject, &m.ExecutionID, &m.Priority, &m.State, &m.Deliveries,
		&availableAt, &owner, &leaseExpires, &createdAt); err != nil {
		return nil, notFound(err, ErrMessageNotFound)
	}
	var err error
	if m.AvailableAt, err = parseTS(availableAt); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if m.LeaseExpiresAt, err = parseNullTS(leaseExpires); err != nil {
		return nil, err
	}
	m.LeaseOwner = owner.String
	return m, nil
}
