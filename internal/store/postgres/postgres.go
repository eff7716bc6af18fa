package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/store"
	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/xid"
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var rows []productRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY created_at DESC, id ASC
	`)
	if err != nil {
		return nil, classify(err)
	}

	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, row.toDomain())
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var row productRow
	err := s.db.GetContext(ctx, &row, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}
	product := row.toDomain()
	return &product, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.MRP < 1 || product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	if product.PackSize < 1 {
		product.PackSize = 1
	}
	product.UnitMode = domain.NormalizeUnitMode(product.UnitMode)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (
			id, name, packing, product_type, hsn, gst_rate, mrp, sale_price,
			unit_cost, pack_size, unit_mode, stock, active, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now())
	`, product.ID, product.Name, product.Packing, product.ProductType, product.HSN, product.GSTRate,
		int64(product.MRP), int64(product.SalePrice), int64(product.UnitCost), product.PackSize,
		string(product.UnitMode), product.Stock, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, classify(err)
	}
	return &product, nil
}

func (s *Store) SetProductActive(ctx context.Context, id string, active bool) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET active = $2, updated_at = now()
		WHERE id = $1
	`, id, active)
	if err != nil {
		return nil, classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProduct(ctx, id)
}

func (s *Store) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	return getBill(ctx, s.db, id, false)
}

func (s *Store) ListBills(ctx context.Context, limit int) ([]domain.Bill, error) {
	if limit < 1 {
		limit = 100
	}
	var rows []billRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+billColumns+`
		FROM bills
		ORDER BY created_at DESC, sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify(err)
	}
	if len(rows) == 0 {
		return []domain.Bill{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var itemRows []billItemRow
	err = s.db.SelectContext(ctx, &itemRows, `
		SELECT bill_id, line_no, product_id, name, price, qty, pack_size, unit_mode, stock_qty, total
		FROM bill_items
		WHERE bill_id = ANY($1)
		ORDER BY bill_id, line_no
	`, ids)
	if err != nil {
		return nil, classify(err)
	}
	itemsByBill := make(map[string][]domain.BillLineItem, len(rows))
	for _, item := range itemRows {
		itemsByBill[item.BillID] = append(itemsByBill[item.BillID], item.toDomain())
	}

	bills := make([]domain.Bill, 0, len(rows))
	for _, row := range rows {
		bills = append(bills, row.toDomain(itemsByBill[row.ID]))
	}
	return bills, nil
}

func (s *Store) MaxBillSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.GetContext(ctx, &seq, `SELECT COALESCE(MAX(sequence), 0) FROM bills`); err != nil {
		return 0, classify(err)
	}
	return seq, nil
}

func (s *Store) ListReturns(ctx context.Context, billID string, limit int) ([]domain.ReturnRecord, error) {
	if limit < 1 {
		limit = 100
	}
	var rows []returnRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, bill_id, bill_no, refund_amount, created_by, created_at
		FROM returns
		WHERE ($1 = '' OR bill_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, billID, limit)
	if err != nil {
		return nil, classify(err)
	}
	if len(rows) == 0 {
		return []domain.ReturnRecord{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var itemRows []returnItemRow
	err = s.db.SelectContext(ctx, &itemRows, `
		SELECT return_id, line_no, product_id, name, qty, price, total, restocked
		FROM return_items
		WHERE return_id = ANY($1)
		ORDER BY return_id, line_no
	`, ids)
	if err != nil {
		return nil, classify(err)
	}
	itemsByReturn := make(map[string][]domain.ReturnLine, len(rows))
	for _, item := range itemRows {
		itemsByReturn[item.ReturnID] = append(itemsByReturn[item.ReturnID], item.toDomain())
	}

	records := make([]domain.ReturnRecord, 0, len(rows))
	for _, row := range rows {
		items := itemsByReturn[row.ID]
		if items == nil {
			items = []domain.ReturnLine{}
		}
		records = append(records, domain.ReturnRecord{
			ID:           row.ID,
			BillID:       row.BillID,
			BillNo:       row.BillNo,
			Items:        items,
			RefundAmount: domain.Money(row.RefundAmount),
			CreatedBy:    row.CreatedBy,
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return records, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Atomic runs fn inside a SERIALIZABLE transaction. Driver errors are
// classified so callers can tell a lost race from an outage.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	var rows []productRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}

	products := make(map[string]domain.Product, len(rows))
	for _, row := range rows {
		products[row.ID] = row.toDomain()
	}
	return products, nil
}

func (t *pgTx) AdjustStock(ctx context.Context, productID string, delta int) error {
	var stock int
	err := t.tx.GetContext(ctx, &stock, `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0
		RETURNING stock
	`, productID, delta)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var exists bool
	if err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrInsufficientStock
}

func (t *pgTx) InsertBill(ctx context.Context, bill domain.Bill) error {
	if bill.ID == "" || bill.BillNo == "" {
		return store.ErrInvalidTransaction
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bills (
			id, bill_no, sequence, sub_total, discount, grand_total,
			payment_mode, customer_mobile, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, bill.ID, bill.BillNo, bill.Sequence, int64(bill.SubTotal), int64(bill.Discount), int64(bill.GrandTotal),
		bill.PaymentMode, bill.CustomerMobile, bill.CreatedBy, bill.CreatedAt)
	if err != nil {
		return err
	}

	for i, item := range bill.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO bill_items (bill_id, line_no, product_id, name, price, qty, pack_size, unit_mode, stock_qty, total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, bill.ID, i+1, item.ProductID, item.Name, int64(item.Price), item.Qty, item.PackSize,
			string(item.UnitMode), item.StockQty, int64(item.Total))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockBill(ctx context.Context, id string) (*domain.Bill, error) {
	return getBill(ctx, t.tx, id, true)
}

func (t *pgTx) DeleteBill(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM bills WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) ReturnedQuantities(ctx context.Context, billID string) (map[string]int, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT ri.product_id, SUM(ri.qty)
		FROM return_items ri
		JOIN returns r ON r.id = ri.return_id
		WHERE r.bill_id = $1
		GROUP BY ri.product_id
	`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returned := make(map[string]int)
	for rows.Next() {
		var productID string
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		returned[productID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returned, nil
}

func (t *pgTx) InsertReturn(ctx context.Context, record domain.ReturnRecord) error {
	if record.ID == "" || record.BillID == "" {
		return store.ErrInvalidTransaction
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO returns (id, bill_id, bill_no, refund_amount, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, record.ID, record.BillID, record.BillNo, int64(record.RefundAmount), record.CreatedBy, record.CreatedAt)
	if err != nil {
		return err
	}

	for i, item := range record.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO return_items (return_id, line_no, product_id, name, qty, price, total, restocked)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, record.ID, i+1, item.ProductID, item.Name, item.Qty, int64(item.Price), int64(item.Total), item.Restocked)
		if err != nil {
			return err
		}
	}
	return nil
}

func getBill(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*domain.Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var row billRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(err)
	}

	var itemRows []billItemRow
	err := sqlx.SelectContext(ctx, q, &itemRows, `
		SELECT bill_id, line_no, product_id, name, price, qty, pack_size, unit_mode, stock_qty, total
		FROM bill_items
		WHERE bill_id = $1
		ORDER BY line_no
	`, id)
	if err != nil {
		return nil, classify(err)
	}
	items := make([]domain.BillLineItem, 0, len(itemRows))
	for _, item := range itemRows {
		items = append(items, item.toDomain())
	}

	bill := row.toDomain(items)
	return &bill, nil
}

// classify maps driver failures onto the store sentinels. Errors it does not
// recognise pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		case "23514":
			return fmt.Errorf("%w: %s", store.ErrInsufficientStock, pgErr.Message)
		case "57014", "57P01", "57P02", "57P03", "53300":
			return fmt.Errorf("%w: %s", store.ErrUnavailable, pgErr.Message)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		pgconn.Timeout(err),
		errors.As(err, &connectErr),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
