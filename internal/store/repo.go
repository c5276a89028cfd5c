package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/model"
)

// repo implements Repo for both backends. Each table keeps the full record
// as JSON in data and copies the columns used for lookups and filters.
type repo struct {
	c    conn
	name string // error prefix: sqlite or postgres
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *repo) wrap(err error, action string) error {
	if err == nil {
		return nil
	}
	if r.c.uniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "%s: %s: %v", r.name, action, err)
	}
	return eris.Wrapf(err, "%s: %s", r.name, action)
}

func (r *repo) marshal(v any, what string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrapf(err, "%s: marshal %s", r.name, what)
	}
	return string(b), nil
}

// getDoc loads a single data column into dst.
func (r *repo) getDoc(ctx context.Context, dst any, what, query string, args ...any) error {
	var data []byte
	err := r.c.queryRow(ctx, query, args...).Scan(&data)
	if r.c.noRows(err) {
		return eris.Wrapf(ErrNotFound, "%s: %s", r.name, what)
	}
	if err != nil {
		return eris.Wrapf(err, "%s: get %s", r.name, what)
	}
	return eris.Wrapf(json.Unmarshal(data, dst), "%s: unmarshal %s", r.name, what)
}

// listDocs runs a query selecting one data column and decodes every row.
func listDocs[T any](ctx context.Context, r *repo, what, query string, args ...any) ([]T, error) {
	rs, err := r.c.query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: list %s", r.name, what)
	}
	defer rs.Close()

	var out []T
	for rs.Next() {
		var data []byte
		if err := rs.Scan(&data); err != nil {
			return nil, eris.Wrapf(err, "%s: scan %s", r.name, what)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, eris.Wrapf(err, "%s: unmarshal %s", r.name, what)
		}
		out = append(out, v)
	}
	return out, eris.Wrapf(rs.Err(), "%s: iterate %s", r.name, what)
}

func (r *repo) affected(n int64, err error, what, id string) error {
	if err != nil {
		return r.wrap(err, "update "+what)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s: %s %s", r.name, what, id)
	}
	return nil
}

// --- orders ---

func (r *repo) CreateOrder(ctx context.Context, o *model.Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Version == 0 {
		o.Version = 1
	}
	data, err := r.marshal(o, "order")
	if err != nil {
		return err
	}
	_, err = r.c.exec(ctx,
		`INSERT INTO orders (id, tenant_id, order_number, status, priority, version, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TenantID, nullable(o.OrderNumber), string(o.Status), string(o.Priority), o.Version, data, millis(o.CreatedAt), millis(o.UpdatedAt),
	)
	return r.wrap(err, "insert order")
}

func (r *repo) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if err := r.getDoc(ctx, &o, "order "+id, `SELECT data FROM orders WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *repo) GetOrderByNumber(ctx context.Context, tenantID, orderNumber string) (*model.Order, error) {
	var o model.Order
	err := r.getDoc(ctx, &o, "order number "+orderNumber,
		`SELECT data FROM orders WHERE tenant_id = ? AND order_number = ?`, tenantID, orderNumber)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *repo) UpdateOrder(ctx context.Context, o *model.Order) error {
	prev := o.Version
	o.Version = prev + 1
	o.UpdatedAt = time.Now().UTC()
	data, err := r.marshal(o, "order")
	if err != nil {
		o.Version = prev
		return err
	}
	n, err := r.c.exec(ctx,
		`UPDATE orders SET order_number = ?, status = ?, priority = ?, version = ?, data = ?, updated_at = ? WHERE id = ? AND version = ?`,
		nullable(o.OrderNumber), string(o.Status), string(o.Priority), o.Version, data, millis(o.UpdatedAt), o.ID, prev,
	)
	if err != nil {
		o.Version = prev
		return r.wrap(err, "update order "+o.ID)
	}
	if n == 0 {
		o.Version = prev
		if _, gerr := r.GetOrder(ctx, o.ID); gerr != nil {
			return gerr
		}
		return eris.Wrapf(ErrConflict, "%s: order %s version %d is stale", r.name, o.ID, prev)
	}
	return nil
}

func (r *repo) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	query := `SELECT data FROM orders WHERE 1=1`
	var args []any
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	return listDocs[model.Order](ctx, r, "orders", query, args...)
}

// --- sku items ---

func (r *repo) ReplaceSKUItems(ctx context.Context, orderID string, items []model.SKUItem) error {
	if _, err := r.c.exec(ctx, `DELETE FROM order_sku_items WHERE order_id = ?`, orderID); err != nil {
		return r.wrap(err, "delete sku items")
	}
	for i := range items {
		it := &items[i]
		it.OrderID = orderID
		data, err := r.marshal(it, "sku item")
		if err != nil {
			return err
		}
		if _, err := r.c.exec(ctx,
			`INSERT INTO order_sku_items (id, order_id, line_number, data) VALUES (?, ?, ?, ?)`,
			it.ID, orderID, it.LineNumber, data,
		); err != nil {
			return r.wrap(err, "insert sku item")
		}
	}
	return nil
}

func (r *repo) ListSKUItems(ctx context.Context, orderID string) ([]model.SKUItem, error) {
	return listDocs[model.SKUItem](ctx, r, "sku items",
		`SELECT data FROM order_sku_items WHERE order_id = ? ORDER BY line_number, id`, orderID)
}

// --- steps ---

func (r *repo) CreateStep(ctx context.Context, s *model.ProcessingStep) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	data, err := r.marshal(s, "step")
	if err != nil {
		return err
	}
	_, err = r.c.exec(ctx,
		`INSERT INTO order_steps (id, order_id, category, attempt, status, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OrderID, string(s.Category), s.Attempt, string(s.Status), data, millis(s.CreatedAt),
	)
	return r.wrap(err, "insert step")
}

func (r *repo) UpdateStep(ctx context.Context, s *model.ProcessingStep) error {
	data, err := r.marshal(s, "step")
	if err != nil {
		return err
	}
	n, err := r.c.exec(ctx, `UPDATE order_steps SET status = ?, data = ? WHERE id = ?`, string(s.Status), data, s.ID)
	return r.affected(n, err, "step", s.ID)
}

func (r *repo) ListSteps(ctx context.Context, orderID string) ([]model.ProcessingStep, error) {
	return listDocs[model.ProcessingStep](ctx, r, "steps",
		`SELECT data FROM order_steps WHERE order_id = ? ORDER BY created_at, attempt, id`, orderID)
}

// --- tracking ---

func (r *repo) AppendTracking(ctx context.Context, e *model.TrackingEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	details, err := r.marshal(e.Details, "tracking details")
	if err != nil {
		return err
	}
	err = r.c.queryRow(ctx,
		`INSERT INTO order_tracking (id, order_id, status, category, message, details, created_at) VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
		e.ID, e.OrderID, e.Status, string(e.Category), e.Message, details, millis(e.CreatedAt),
	).Scan(&e.Seq)
	return r.wrap(err, "append tracking")
}

func (r *repo) ListTracking(ctx context.Context, orderID string, afterSeq int64, limit int) ([]model.TrackingEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rs, err := r.c.query(ctx,
		`SELECT seq, id, order_id, status, category, message, details, created_at FROM order_tracking WHERE order_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		orderID, afterSeq, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: list tracking", r.name)
	}
	defer rs.Close()

	var out []model.TrackingEntry
	for rs.Next() {
		var (
			e        model.TrackingEntry
			category string
			details  []byte
			created  int64
		)
		if err := rs.Scan(&e.Seq, &e.ID, &e.OrderID, &e.Status, &category, &e.Message, &details, &created); err != nil {
			return nil, eris.Wrapf(err, "%s: scan tracking", r.name)
		}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, eris.Wrapf(err, "%s: unmarshal tracking details", r.name)
		}
		e.Category = model.StepCategory(category)
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, eris.Wrapf(rs.Err(), "%s: iterate tracking", r.name)
}

// --- emails ---

func (r *repo) CreateEmail(ctx context.Context, e *model.EmailCommunication) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	data, err := r.marshal(e, "email")
	if err != nil {
		return err
	}
	_, err = r.c.exec(ctx,
		`INSERT INTO order_emails (id, order_id, status, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, string(e.Status), data, millis(e.CreatedAt), millis(e.UpdatedAt),
	)
	return r.wrap(err, "insert email")
}

func (r *repo) UpdateEmail(ctx context.Context, e *model.EmailCommunication) error {
	e.UpdatedAt = time.Now().UTC()
	data, err := r.marshal(e, "email")
	if err != nil {
		return err
	}
	n, err := r.c.exec(ctx, `UPDATE order_emails SET status = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(e.Status), data, millis(e.UpdatedAt), e.ID)
	return r.affected(n, err, "email", e.ID)
}

func (r *repo) GetEmail(ctx context.Context, id string) (*model.EmailCommunication, error) {
	var e model.EmailCommunication
	if err := r.getDoc(ctx, &e, "email "+id, `SELECT data FROM order_emails WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repo) ListEmails(ctx context.Context, orderID string) ([]model.EmailCommunication, error) {
	return listDocs[model.EmailCommunication](ctx, r, "emails",
		`SELECT data FROM order_emails WHERE order_id = ? ORDER BY created_at, id`, orderID)
}

func (r *repo) ListEmailsByStatus(ctx context.Context, status model.EmailStatus, updatedBefore time.Time) ([]model.EmailCommunication, error) {
	return listDocs[model.EmailCommunication](ctx, r, "emails by status",
		`SELECT data FROM order_emails WHERE status = ? AND updated_at < ? ORDER BY updated_at, id`,
		string(status), millis(updatedBefore))
}

// --- user actions ---

func (r *repo) CreateUserAction(ctx context.Context, a *model.UserAction) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	data, err := r.marshal(a, "user action")
	if err != nil {
		return err
	}
	_, err = r.c.exec(ctx,
		`INSERT INTO order_user_actions (id, order_id, status, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrderID, string(a.Status), data, millis(a.CreatedAt), millis(time.Now()),
	)
	return r.wrap(err, "insert user action")
}

func (r *repo) UpdateUserAction(ctx context.Context, a *model.UserAction) error {
	data, err := r.marshal(a, "user action")
	if err != nil {
		return err
	}
	n, err := r.c.exec(ctx, `UPDATE order_user_actions SET status = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(a.Status), data, millis(time.Now()), a.ID)
	return r.affected(n, err, "user action", a.ID)
}

func (r *repo) GetUserAction(ctx context.Context, id string) (*model.UserAction, error) {
	var a model.UserAction
	if err := r.getDoc(ctx, &a, "user action "+id, `SELECT data FROM order_user_actions WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repo) ListUserActions(ctx context.Context, orderID string) ([]model.UserAction, error) {
	return listDocs[model.UserAction](ctx, r, "user actions",
		`SELECT data FROM order_user_actions WHERE order_id = ? ORDER BY created_at, id`, orderID)
}

// --- ai threads ---

func (r *repo) CreateThread(ctx context.Context, t *model.AIThread) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	data, err := r.marshal(t, "thread")
	if err != nil {
		return err
	}
	_, err = r.c.exec(ctx,
		`INSERT INTO ai_threads (id, order_id, status, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrderID, string(t.Status), data, millis(t.CreatedAt), millis(t.UpdatedAt),
	)
	return r.wrap(err, "insert thread")
}

func (r *repo) UpdateThread(ctx context.Context, t *model.AIThread) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := r.marshal(t, "thread")
	if err != nil {
		return err
	}
	n, err := r.c.exec(ctx, `UPDATE ai_threads SET status = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(t.Status), data, millis(t.UpdatedAt), t.ID)
	return r.affected(n, err, "thread", t.ID)
}

func (r *repo) GetThread(ctx context.Context, id string) (*model.AIThread, error) {
	var t model.AIThread
	if err := r.getDoc(ctx, &t, "thread "+id, `SELECT data FROM ai_threads WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *repo) ListThreadsByStatus(ctx context.Context, status model.ThreadStatus) ([]model.AIThread, error) {
	return listDocs[model.AIThread](ctx, r, "threads by status",
		`SELECT data FROM ai_threads WHERE status = ? ORDER BY created_at, id`, string(status))
}
