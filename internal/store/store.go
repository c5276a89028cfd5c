// Package store persists orders, their SKU items, processing steps, ledger
// entries, emails, user actions and AI threads.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned on a unique violation or a stale order version.
	ErrConflict = eris.New("store: conflict")
)

// Repo is the set of persistence operations. A Repo obtained from InTx is
// bound to that transaction.
type Repo interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, tenantID, orderNumber string) (*model.Order, error)
	// UpdateOrder writes o if its Version matches the stored one, then bumps
	// o.Version and o.UpdatedAt.
	UpdateOrder(ctx context.Context, o *model.Order) error
	ListOrders(ctx context.Context, filter OrderFilter) ([]model.Order, error)

	// ReplaceSKUItems deletes the order's items and inserts items in their
	// place. Call it inside InTx.
	ReplaceSKUItems(ctx context.Context, orderID string, items []model.SKUItem) error
	ListSKUItems(ctx context.Context, orderID string) ([]model.SKUItem, error)

	CreateStep(ctx context.Context, s *model.ProcessingStep) error
	UpdateStep(ctx context.Context, s *model.ProcessingStep) error
	ListSteps(ctx context.Context, orderID string) ([]model.ProcessingStep, error)

	// AppendTracking inserts e and sets e.Seq. Ledger rows have no update
	// or delete operation.
	AppendTracking(ctx context.Context, e *model.TrackingEntry) error
	ListTracking(ctx context.Context, orderID string, afterSeq int64, limit int) ([]model.TrackingEntry, error)

	CreateEmail(ctx context.Context, e *model.EmailCommunication) error
	UpdateEmail(ctx context.Context, e *model.EmailCommunication) error
	GetEmail(ctx context.Context, id string) (*model.EmailCommunication, error)
	ListEmails(ctx context.Context, orderID string) ([]model.EmailCommunication, error)
	ListEmailsByStatus(ctx context.Context, status model.EmailStatus, updatedBefore time.Time) ([]model.EmailCommunication, error)

	CreateUserAction(ctx context.Context, a *model.UserAction) error
	UpdateUserAction(ctx context.Context, a *model.UserAction) error
	GetUserAction(ctx context.Context, id string) (*model.UserAction, error)
	ListUserActions(ctx context.Context, orderID string) ([]model.UserAction, error)

	CreateThread(ctx context.Context, t *model.AIThread) error
	UpdateThread(ctx context.Context, t *model.AIThread) error
	GetThread(ctx context.Context, id string) (*model.AIThread, error)
	ListThreadsByStatus(ctx context.Context, status model.ThreadStatus) ([]model.AIThread, error)
}

// Store is a Repo with transactions and lifecycle.
type Store interface {
	Repo
	// InTx runs fn in one transaction. fn must only use the Repo it is given.
	InTx(ctx context.Context, fn func(Repo) error) error
	Migrate(ctx context.Context) error
	Close() error
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	TenantID string
	Status   model.OrderStatus
	Limit    int
	Offset   int
}
