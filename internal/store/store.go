package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mcarmelo/tickapp/internal/errkind"
	"github.com/mcarmelo/tickapp/internal/retry"
)

// Client is the SQLite-backed persistence layer (C2). All multi-row
// operations run inside one transaction; a failure rolls the whole
// operation back.
type Client struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the SQLite database at path, retrying
// the connect step per retry.DBConnect, and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var db *sql.DB
	err := retry.Do(ctx, retry.DBConnect(), func(ctx context.Context) error {
		var openErr error
		db, openErr = sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
		if openErr != nil {
			return openErr
		}
		return db.PingContext(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	c := &Client{db: db, logger: logger.With("component", "store")}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return c, nil
}

func (c *Client) migrate() error {
	_, err := c.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// UpsertSender inserts a sender or, on conflict on uuid, updates
// number/name (COALESCE semantics: a null new value never clobbers an
// existing one) and touches last_seen. Returns the surrogate id.
func (c *Client) UpsertSender(ctx context.Context, tx *sql.Tx, uuid, number, name string) (int64, error) {
	exec := c.execer(tx)

	if uuid == "" {
		// No UUID to key on — insert unconditionally as a new row. This
		// mirrors a message whose sender has neither sourceUuid nor a
		// UUID-shaped source.
		res, err := exec.ExecContext(ctx, `
			INSERT INTO signal_sender (signal_uuid, phone_number, contact_name, last_seen)
			VALUES (NULL, ?, ?, ?)
		`, nullIfEmpty(number), nullIfEmpty(name), time.Now())
		if err != nil {
			return 0, fmt.Errorf("insert sender: %w", err)
		}
		return res.LastInsertId()
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO signal_sender (signal_uuid, phone_number, contact_name, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(signal_uuid) DO UPDATE SET
			phone_number = COALESCE(excluded.phone_number, signal_sender.phone_number),
			contact_name = COALESCE(excluded.contact_name, signal_sender.contact_name),
			last_seen = excluded.last_seen
	`, uuid, nullIfEmpty(number), nullIfEmpty(name), time.Now())
	if err != nil {
		return 0, fmt.Errorf("upsert sender: %w", err)
	}

	var id int64
	if err := exec.QueryRowContext(ctx, `SELECT sender_id FROM signal_sender WHERE signal_uuid = ?`, uuid).Scan(&id); err != nil {
		return 0, fmt.Errorf("select sender id: %w", err)
	}
	return id, nil
}

// UpsertGroup inserts a group or, on conflict, overwrites its name.
func (c *Client) UpsertGroup(ctx context.Context, tx *sql.Tx, groupID, name string) (int64, error) {
	exec := c.execer(tx)

	_, err := exec.ExecContext(ctx, `
		INSERT INTO signal_group (signal_group_id, group_name)
		VALUES (?, ?)
		ON CONFLICT(signal_group_id) DO UPDATE SET group_name = excluded.group_name
	`, groupID, name)
	if err != nil {
		return 0, fmt.Errorf("upsert group: %w", err)
	}

	var id int64
	if err := exec.QueryRowContext(ctx, `SELECT group_id FROM signal_group WHERE signal_group_id = ?`, groupID).Scan(&id); err != nil {
		return 0, fmt.Errorf("select group id: %w", err)
	}
	return id, nil
}

// FindMessage reports whether a message with the given (sender uuid,
// timestamp) already exists. Used by the sensor for dedup. On query
// failure, callers should fail open (keep the candidate message)
// rather than treat the error as "not found".
func (c *Client) FindMessage(ctx context.Context, senderUUID string, timestampMS int64) (bool, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM signal_message m
		JOIN signal_sender s ON s.sender_id = m.sender_id
		WHERE s.signal_uuid = ? AND m.timestamp = ?
	`, senderUUID, time.UnixMilli(timestampMS)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("find message: %w", err)
	}
	return count > 0, nil
}

// InsertMessage resolves the sender and group via upsert, inserts the
// SignalMessage row, and inserts one Attachment row plus a
// message-attachment mapping row per attachment. Idempotence: if the
// unique (sender, timestamp) pair was already inserted by a previous
// run, the constraint violation is treated as an idempotence hit and
// this returns the existing message id and its attachment ids with no
// error. The sensor-level dedup normally keeps this path from being
// reached at all.
func (c *Client) InsertMessage(ctx context.Context, msg Message) (int64, []int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, errkind.Wrapf(errkind.DBInsertMessage, "begin: %w", err)
	}
	defer tx.Rollback()

	senderID, err := c.UpsertSender(ctx, tx, msg.SenderUUID, msg.SenderNumber, msg.SenderName)
	if err != nil {
		return 0, nil, errkind.Wrapf(errkind.DBInsertMessage, "%w", err)
	}

	var groupID sql.NullInt64
	if msg.IsGroupMsg && msg.GroupID != "" {
		gid, err := c.UpsertGroup(ctx, tx, msg.GroupID, msg.GroupName)
		if err != nil {
			return 0, nil, errkind.Wrapf(errkind.DBInsertMessage, "%w", err)
		}
		groupID = sql.NullInt64{Int64: gid, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO signal_message (sender_id, group_id, timestamp, text_content, is_group_message, signal_account)
		VALUES (?, ?, ?, ?, ?, ?)
	`, senderID, groupID, msg.Timestamp, nullIfEmpty(msg.Text), msg.IsGroupMsg, msg.Account)
	if err != nil {
		if isUniqueConstraintErr(err) {
			// The sensor's own dedup check is what normally prevents this;
			// a conflict here means two runs raced past it for the same
			// (sender, timestamp). Per the error handling design this is
			// an idempotence hit, not a failure: surface the row the
			// other run already committed.
			tx.Rollback()
			return c.existingMessage(ctx, msg.SenderUUID, msg.Timestamp)
		}
		return 0, nil, errkind.Wrapf(errkind.DBInsertMessage, "insert message: %w", err)
	}
	messageID, err := res.LastInsertId()
	if err != nil {
		return 0, nil, errkind.Wrapf(errkind.DBInsertMessage, "%w", err)
	}

	attachmentIDs := make([]int64, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attachment (signal_attachment_id, content_type, filename, file_size, upload_timestamp_ms, file_path)
			VALUES (?, ?, ?, ?, ?, ?)
		`, att.SidecarID, att.ContentType, att.Filename, att.Size, att.UploadTimestamp, nullIfEmpty(att.Path))
		if err != nil {
			return 0, nil, errkind.Wrapf(errkind.DBInsertMessage, "insert attachment: %w", err)
		}
		attachmentID, err := res.LastInsertId()
		if err != nil {
			return 0, nil, errkind.Wrapf(errkind.DBInsertMessage, "%w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_attachment_mapping (message_id, attachment_id) VALUES (?, ?)
		`, messageID, attachmentID); err != nil {
			return 0, nil, errkind.Wrapf(errkind.DBInsertMessage, "insert mapping: %w", err)
		}
		attachmentIDs = append(attachmentIDs, attachmentID)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, errkind.Wrapf(errkind.DBInsertMessage, "commit: %w", err)
	}

	c.logger.Debug("message inserted", "message_id", messageID, "attachments", len(attachmentIDs))
	return messageID, attachmentIDs, nil
}

// existingMessage looks up the message and its attachment ids already
// committed for (senderUUID, timestamp), used when InsertMessage hits
// the dedup unique index.
func (c *Client) existingMessage(ctx context.Context, senderUUID string, timestamp time.Time) (int64, []int64, error) {
	var messageID int64
	err := c.db.QueryRowContext(ctx, `
		SELECT m.message_id FROM signal_message m
		JOIN signal_sender s ON s.sender_id = m.sender_id
		WHERE s.signal_uuid = ? AND m.timestamp = ?
	`, senderUUID, timestamp).Scan(&messageID)
	if err != nil {
		return 0, nil, errkind.Wrapf(errkind.DBInsertMessage, "lookup existing message: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT attachment_id FROM message_attachment_mapping WHERE message_id = ?`, messageID)
	if err != nil {
		return messageID, nil, errkind.Wrapf(errkind.DBInsertMessage, "lookup existing attachments: %w", err)
	}
	defer rows.Close()

	var attachmentIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return messageID, nil, errkind.Wrapf(errkind.DBInsertMessage, "scan existing attachment: %w", err)
		}
		attachmentIDs = append(attachmentIDs, id)
	}
	return messageID, attachmentIDs, nil
}

// isUniqueConstraintErr reports whether err is a SQLite constraint
// violation. It compares the primary result code only, so any
// constraint kind matches, UNIQUE included.
func isUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// upsertStore inserts a store or, on conflict on (name, city, postal
// code), updates address/phone with COALESCE semantics and touches
// updated_at.
func (c *Client) upsertStore(ctx context.Context, tx *sql.Tx, s Store) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO store (store_name, address, postal_code, city, country_code, phone, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store_name, city, postal_code) DO UPDATE SET
			address = COALESCE(excluded.address, store.address),
			phone = COALESCE(excluded.phone, store.phone),
			updated_at = excluded.updated_at
	`, s.Name, nullIfEmpty(s.Address), nullIfEmpty(s.PostalCode), s.City, nullIfEmpty(s.CountryCode), nullIfEmpty(s.Phone), time.Now())
	if err != nil {
		return 0, fmt.Errorf("upsert store: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `
		SELECT store_id FROM store WHERE store_name = ? AND city = ? AND postal_code = ?
	`, s.Name, s.City, s.PostalCode).Scan(&id); err != nil {
		return 0, fmt.Errorf("select store id: %w", err)
	}
	return id, nil
}

// resolveTransactionCategory creates the named category if absent and
// returns its id. Names are matched case-insensitively by storing them
// lower-cased.
func (c *Client) resolveTransactionCategory(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	lower := lowerTrim(name)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_category (name) VALUES (?)
		ON CONFLICT(name) DO NOTHING
	`, lower); err != nil {
		return 0, fmt.Errorf("insert transaction category: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT category_id FROM transaction_category WHERE name = ?`, lower).Scan(&id); err != nil {
		return 0, fmt.Errorf("select transaction category: %w", err)
	}
	return id, nil
}

// resolveItemCategory creates the (main, sub) category if absent and
// returns its id, SQLite's equivalent of the teacher's insert-then-
// select CTE (no single-statement upsert-returning that handles the
// DO NOTHING case portably across driver versions, so this is split
// into an insert-or-ignore followed by a select).
func (c *Client) resolveItemCategory(ctx context.Context, tx *sql.Tx, main, sub string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO item_category (category_main, category_sub) VALUES (?, ?)
		ON CONFLICT(category_main, category_sub) DO NOTHING
	`, main, sub); err != nil {
		return 0, fmt.Errorf("insert item category: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `
		SELECT category_id FROM item_category WHERE category_main = ? AND category_sub = ?
	`, main, sub).Scan(&id); err != nil {
		return 0, fmt.Errorf("select item category: %w", err)
	}
	return id, nil
}

// InsertReceipt upserts the store, resolves or creates the transaction
// category, inserts the transaction and its items, and links
// attachments. If attachmentIDs is empty but messageID is set, the
// attachments are derived from the message's own mapping rows. Returns
// the new transaction id.
func (c *Client) InsertReceipt(ctx context.Context, receipt ReceiptData, messageID *int64, attachmentIDs []int64) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errkind.Wrapf(errkind.DBInsertReceipt, "begin: %w", err)
	}
	defer tx.Rollback()

	storeID, err := c.upsertStore(ctx, tx, receipt.Store)
	if err != nil {
		return 0, errkind.Wrapf(errkind.DBInsertReceipt, "%w", err)
	}

	var categoryID sql.NullInt64
	if receipt.Transaction.TransactionCategoryID != nil {
		categoryID = sql.NullInt64{Int64: *receipt.Transaction.TransactionCategoryID, Valid: true}
	} else if receipt.Transaction.CategoryName != "" {
		id, err := c.resolveTransactionCategory(ctx, tx, receipt.Transaction.CategoryName)
		if err != nil {
			return 0, errkind.Wrapf(errkind.DBInsertReceipt, "%w", err)
		}
		categoryID = sql.NullInt64{Int64: id, Valid: true}
	}

	var msgIDParam sql.NullInt64
	if messageID != nil {
		msgIDParam = sql.NullInt64{Int64: *messageID, Valid: true}
	}

	source := receipt.Transaction.Source
	if source == "" {
		source = "signal"
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO "transaction" (
			message_id, store_id, transaction_category_id, receipt_number,
			transaction_date, transaction_time, currency, total,
			payment_method, source, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msgIDParam, storeID, categoryID, nullIfEmpty(receipt.Transaction.ReceiptNumber),
		receipt.Transaction.Date, receipt.Transaction.Time, receipt.Transaction.Currency,
		receipt.Transaction.Total.String(), nullIfEmpty(receipt.Transaction.PaymentMethod), source, time.Now())
	if err != nil {
		return 0, errkind.Wrapf(errkind.DBInsertReceipt, "insert transaction: %w", err)
	}
	transactionID, err := res.LastInsertId()
	if err != nil {
		return 0, errkind.Wrapf(errkind.DBInsertReceipt, "%w", err)
	}

	for _, item := range receipt.Items {
		categoryID, err := c.resolveItemCategory(ctx, tx, item.CategoryMain, item.CategorySub)
		if err != nil {
			return 0, errkind.Wrapf(errkind.DBInsertReceipt, "%w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO item (
				product_name, product_reference, brand, quantity, unit_price,
				total_price, vat_rate, category_id, line_number
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ProductName, nullIfEmpty(item.ProductRef), nullIfEmpty(item.Brand),
			item.Quantity.String(), item.UnitPrice.String(), item.TotalPrice.String(),
			nullIfEmpty(item.VATRate), categoryID, item.LineNumber)
		if err != nil {
			return 0, errkind.Wrapf(errkind.DBInsertReceipt, "insert item: %w", err)
		}
		itemID, err := res.LastInsertId()
		if err != nil {
			return 0, errkind.Wrapf(errkind.DBInsertReceipt, "%w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_item_mapping (transaction_id, item_id) VALUES (?, ?)
		`, transactionID, itemID); err != nil {
			return 0, errkind.Wrapf(errkind.DBInsertReceipt, "insert item mapping: %w", err)
		}
	}

	resolvedAttachmentIDs := attachmentIDs
	if len(resolvedAttachmentIDs) == 0 && messageID != nil {
		rows, err := tx.QueryContext(ctx, `
			SELECT attachment_id FROM message_attachment_mapping WHERE message_id = ?
		`, *messageID)
		if err != nil {
			return 0, errkind.Wrapf(errkind.DBInsertReceipt, "derive attachments: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, errkind.Wrapf(errkind.DBInsertReceipt, "scan attachment id: %w", err)
			}
			resolvedAttachmentIDs = append(resolvedAttachmentIDs, id)
		}
		rows.Close()
	}

	for _, attachmentID := range resolvedAttachmentIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_attachment_mapping (transaction_id, attachment_id)
			VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, transactionID, attachmentID); err != nil {
			return 0, errkind.Wrapf(errkind.DBInsertReceipt, "link attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errkind.Wrapf(errkind.DBInsertReceipt, "commit: %w", err)
	}

	c.logger.Debug("receipt inserted", "transaction_id", transactionID, "items", len(receipt.Items))
	return transactionID, nil
}

// ActiveItemCategories returns every non-retired (category_main,
// category_sub) row, ordered by main then sub, for the prompt
// assembler's item-category enumeration.
func (c *Client) ActiveItemCategories(ctx context.Context) ([]ItemCategory, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT category_main, category_sub, COALESCE(description, ''), active
		FROM item_category
		WHERE active = 1
		ORDER BY category_main, category_sub
	`)
	if err != nil {
		return nil, fmt.Errorf("query item categories: %w", err)
	}
	defer rows.Close()

	var out []ItemCategory
	for rows.Next() {
		var ic ItemCategory
		if err := rows.Scan(&ic.Main, &ic.Sub, &ic.Description, &ic.Active); err != nil {
			return nil, fmt.Errorf("scan item category: %w", err)
		}
		out = append(out, ic)
	}
	return out, rows.Err()
}

// TransactionCategories returns every transaction category row ordered
// by id, for the prompt assembler's transaction-category enumeration.
func (c *Client) TransactionCategories(ctx context.Context) ([]TransactionCategory, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT category_id, name FROM transaction_category ORDER BY category_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query transaction categories: %w", err)
	}
	defer rows.Close()

	var out []TransactionCategory
	for rows.Next() {
		var tc TransactionCategory
		if err := rows.Scan(&tc.ID, &tc.Name); err != nil {
			return nil, fmt.Errorf("scan transaction category: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// execer abstracts over *sql.DB and *sql.Tx so upsert helpers can run
// either standalone or as part of a larger transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Client) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return c.db
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
