package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agentpay/mandatelane/pkg/ap2"
)

// PostgresStore implements Store on pgx. Stock movements are single
// conditional UPDATE statements (the availability check happens inside the
// update, never as a separate read), and multi-line settlements run in one
// transaction so a failing line rolls back every other line.
type PostgresStore struct{ DB *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *PostgresStore { return &PostgresStore{DB: db} }

const productColumns = `id, name, price::text, currency, for_sale, total_stock, available, sold, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	var price string
	err := row.Scan(&p.ID, &p.Name, &price, &p.Currency, &p.ForSale,
		&p.TotalStock, &p.Available, &p.Sold, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Product{}, err
	}
	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return Product{}, fmt.Errorf("parsing price for product %s: %w", p.ID, err)
	}
	return p, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	return p, err
}

func (s *PostgresStore) GetProductByName(ctx context.Context, name string) (Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, name)
	}
	return p, err
}

func (s *PostgresStore) UpsertProduct(ctx context.Context, p Product) error {
	if p.Available+p.Sold != p.TotalStock {
		return fmt.Errorf("product %s: available %d + sold %d != total_stock %d",
			p.ID, p.Available, p.Sold, p.TotalStock)
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO products (id, name, price, currency, for_sale, total_stock, available, sold)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
  name = $2, price = $3, currency = $4, for_sale = $5,
  total_stock = $6, available = $7, sold = $8, updated_at = now()`,
		p.ID, p.Name, p.Price.String(), p.Currency, p.ForSale,
		p.TotalStock, p.Available, p.Sold)
	return err
}

const cartColumns = `id, session_id, COALESCE(user_id, ''), status, created_at, updated_at, expires_at`

func (s *PostgresStore) GetOrCreateActiveCart(ctx context.Context, sessionID string, ttl time.Duration) (Cart, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return Cart{}, err
	}
	defer tx.Rollback(ctx)

	// An overdue active cart is rotated out, never returned.
	_, err = tx.Exec(ctx, `
UPDATE carts SET status = 'expired', updated_at = now()
WHERE session_id = $1 AND status = 'active' AND expires_at < now()`, sessionID)
	if err != nil {
		return Cart{}, err
	}

	// The partial unique index on (session_id) WHERE status = 'active'
	// makes this race-safe: concurrent first visits insert at most one row.
	_, err = tx.Exec(ctx, `
INSERT INTO carts (id, session_id, status, expires_at)
VALUES ($1, $2, 'active', now() + $3)
ON CONFLICT (session_id) WHERE status = 'active' DO NOTHING`,
		ap2.NewCartID(), sessionID, ttl)
	if err != nil {
		return Cart{}, err
	}

	var cart Cart
	err = tx.QueryRow(ctx, `
SELECT `+cartColumns+` FROM carts WHERE session_id = $1 AND status = 'active'`,
		sessionID).Scan(&cart.ID, &cart.SessionID, &cart.UserID, &cart.Status,
		&cart.CreatedAt, &cart.UpdatedAt, &cart.ExpiresAt)
	if err != nil {
		return Cart{}, err
	}
	cart.Items, err = loadCartItems(ctx, tx, cart.ID)
	if err != nil {
		return Cart{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Cart{}, err
	}
	return cart, nil
}

func (s *PostgresStore) GetCart(ctx context.Context, id string) (Cart, error) {
	var cart Cart
	err := s.DB.QueryRow(ctx, `
SELECT `+cartColumns+` FROM carts WHERE id = $1`, id).
		Scan(&cart.ID, &cart.SessionID, &cart.UserID, &cart.Status,
			&cart.CreatedAt, &cart.UpdatedAt, &cart.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cart{}, fmt.Errorf("%w: %s", ErrCartNotFound, id)
	}
	if err != nil {
		return Cart{}, err
	}
	cart.Items, err = loadCartItems(ctx, s.DB, cart.ID)
	return cart, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadCartItems(ctx context.Context, q querier, cartID string) ([]CartItem, error) {
	rows, err := q.Query(ctx, `
SELECT product_id, name, quantity, unit_price::text, added_at
FROM cart_items WHERE cart_id = $1 ORDER BY added_at, product_id`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CartItem
	for rows.Next() {
		var it CartItem
		var price string
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Quantity, &price, &it.AddedAt); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *PostgresStore) SaveCartItems(ctx context.Context, cartID string, items []CartItem) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `UPDATE carts SET updated_at = now() WHERE id = $1`, cartID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrCartNotFound, cartID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return err
	}
	for _, it := range items {
		_, err := tx.Exec(ctx, `
INSERT INTO cart_items (cart_id, product_id, name, quantity, unit_price, added_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
			cartID, it.ProductID, it.Name, it.Quantity, it.UnitPrice.String(), it.AddedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetCartStatus(ctx context.Context, cartID string, from, to CartStatus) error {
	cmd, err := s.DB.Exec(ctx, `
UPDATE carts SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		cartID, from, to)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var current string
		err := s.DB.QueryRow(ctx, `SELECT status FROM carts WHERE id = $1`, cartID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrCartNotFound, cartID)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cart %s is %s, not %s", ErrInvalidTransition, cartID, current, from)
	}
	return nil
}

func (s *PostgresStore) ExpireActiveCartsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cmd, err := s.DB.Exec(ctx, `
UPDATE carts SET status = 'expired', updated_at = now()
WHERE status = 'active' AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (s *PostgresStore) PutCartMandate(ctx context.Context, m ap2.CartMandate) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	// Mandates are immutable once issued: re-issue for the same cart keeps
	// the first one, making IssueCartMandate idempotent by cart id.
	_, err = s.DB.Exec(ctx, `
INSERT INTO cart_mandates (cart_id, mandate) VALUES ($1, $2::jsonb)
ON CONFLICT (cart_id) DO NOTHING`, m.Contents.ID, string(b))
	return err
}

func (s *PostgresStore) GetCartMandate(ctx context.Context, cartID string) (ap2.CartMandate, error) {
	var raw []byte
	err := s.DB.QueryRow(ctx,
		`SELECT mandate FROM cart_mandates WHERE cart_id = $1`, cartID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ap2.CartMandate{}, fmt.Errorf("%w: %s", ErrMandateNotFound, cartID)
	}
	if err != nil {
		return ap2.CartMandate{}, err
	}
	var m ap2.CartMandate
	if err := json.Unmarshal(raw, &m); err != nil {
		return ap2.CartMandate{}, err
	}
	return m, nil
}

func (s *PostgresStore) RecordSettlement(ctx context.Context, lines []LineItem, txn Transaction) error {
	return s.recordMovement(ctx, lines, txn, `
UPDATE products SET available = available - $2, sold = sold + $2, updated_at = now()
WHERE id = $1 AND available >= $2`, ErrInsufficientStock)
}

func (s *PostgresStore) RecordRefund(ctx context.Context, lines []LineItem, txn Transaction) error {
	return s.recordMovement(ctx, lines, txn, `
UPDATE products SET available = available + $2, sold = sold - $2, updated_at = now()
WHERE id = $1 AND sold >= $2`, ErrRefundExceedsSold)
}

func (s *PostgresStore) recordMovement(ctx context.Context, lines []LineItem, txn Transaction, updateSQL string, condErr error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, l := range lines {
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: product %s quantity %d", ErrInvalidQuantity, l.ProductID, l.Quantity)
		}
		cmd, err := tx.Exec(ctx, updateSQL, l.ProductID, l.Quantity)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			var available, sold int
			err := tx.QueryRow(ctx,
				`SELECT available, sold FROM products WHERE id = $1`, l.ProductID).
				Scan(&available, &sold)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrProductNotFound, l.ProductID)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: product %s: requested %d, available %d, sold %d",
				condErr, l.ProductID, l.Quantity, available, sold)
		}
	}

	if err := insertTransaction(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn Transaction) error {
	_, err := tx.Exec(ctx, `
INSERT INTO transactions
  (transaction_id, cart_id, status, total_amount, currency, payment_method,
   payer_email, cart_mandate, payment_mandate, refund_of, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, NULLIF($10, ''), $11, $12)`,
		txn.TransactionID, txn.CartID, txn.Status, txn.TotalAmount.String(),
		txn.Currency, txn.PaymentMethod, txn.PayerEmail,
		nullableJSON(txn.CartMandate), nullableJSON(txn.PaymentMandate),
		txn.RefundOf, txn.CreatedAt, txn.CompletedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "ux_transactions_refund_of" {
		return fmt.Errorf("%w: %s", ErrAlreadyRefunded, txn.RefundOf)
	}
	if err != nil {
		return err
	}
	for _, it := range txn.Items {
		_, err := tx.Exec(ctx, `
INSERT INTO transaction_items (transaction_id, product_id, quantity, unit_price)
VALUES ($1, $2, $3, $4)`,
			txn.TransactionID, it.ProductID, it.Quantity, it.UnitPrice.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var txn Transaction
	var total string
	var cartMandate, paymentMandate []byte
	var refundOf *string
	err := s.DB.QueryRow(ctx, `
SELECT transaction_id, cart_id, status, total_amount::text, currency,
       payment_method, COALESCE(payer_email, ''), cart_mandate, payment_mandate,
       refund_of, created_at, completed_at
FROM transactions WHERE transaction_id = $1`, id).
		Scan(&txn.TransactionID, &txn.CartID, &txn.Status, &total, &txn.Currency,
			&txn.PaymentMethod, &txn.PayerEmail, &cartMandate, &paymentMandate,
			&refundOf, &txn.CreatedAt, &txn.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	if err != nil {
		return Transaction{}, err
	}
	if txn.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return Transaction{}, err
	}
	txn.CartMandate = cartMandate
	txn.PaymentMandate = paymentMandate
	if refundOf != nil {
		txn.RefundOf = *refundOf
	}

	rows, err := s.DB.Query(ctx, `
SELECT product_id, quantity, unit_price::text
FROM transaction_items WHERE transaction_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return Transaction{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it LineItem
		var price string
		if err := rows.Scan(&it.ProductID, &it.Quantity, &price); err != nil {
			return Transaction{}, err
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return Transaction{}, err
		}
		txn.Items = append(txn.Items, it)
	}
	return txn, rows.Err()
}
