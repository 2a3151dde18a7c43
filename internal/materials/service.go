package materials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/sitestock/sitestock/internal/shared"
)

// Backend is the persistence boundary of the ledger.
type Backend interface {
	FetchPurchaseOrderLines(ctx context.Context, poID PurchaseOrderID) ([]PurchaseOrderLine, error)
	FetchLocationInventory(ctx context.Context, locationID LocationID) ([]StockItem, error)
	FetchTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	ScopeRevisions(ctx context.Context, scopes []string) (map[string]int64, error)
	SubmitTransaction(ctx context.Context, tx Transaction, guard WriteGuard) (Transaction, error)
	UpdateTransaction(ctx context.Context, id int64, tx Transaction, guard WriteGuard) (Transaction, error)
	DeleteTransaction(ctx context.Context, id int64, guard WriteGuard) error
}

// PurchaseOrderStore keeps the purchase orders receipts reconcile against.
type PurchaseOrderStore interface {
	SavePurchaseOrder(ctx context.Context, po PurchaseOrder) error
	GetPurchaseOrder(ctx context.Context, id PurchaseOrderID) (PurchaseOrder, error)
}

// Store is implemented by the Postgres and SQLite stores.
type Store interface {
	Backend
	PurchaseOrderStore
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

const idempotencyModule = "materials.transactions"

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AggregateWorkers int
	Metrics          *Metrics
	Logger           *slog.Logger
}

// Service coordinates validation and persistence of material movements.
type Service struct {
	store       Store
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	cache       *StockCache
	integration IntegrationHandler
	metrics     *Metrics
	logger      *slog.Logger
	workers     int
}

// NewService builds Service. audit, idem, cache and integration may be nil.
func NewService(store Store, audit AuditPort, idem *shared.IdempotencyStore, cache *StockCache, integration IntegrationHandler, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.AggregateWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		store:       store,
		audit:       audit,
		idempotency: idem,
		cache:       cache,
		integration: integration,
		metrics:     cfg.Metrics,
		logger:      logger,
		workers:     workers,
	}
}

// SubmitInput carries a draft and request metadata.
type SubmitInput struct {
	Transaction    Transaction
	IdempotencyKey string
	ActorID        int64
}

// UpdateInput carries the replacement document. Version, when set, must match
// the stored version.
type UpdateInput struct {
	Transaction Transaction
	Version     int64
	ActorID     int64
}

// Validate runs a dry run of Submit against the freshest ledger state and
// returns the draft with PO figures filled in.
func (s *Service) Validate(ctx context.Context, draft Transaction) (Transaction, error) {
	tx := draft.Clone()
	tx.ID = 0
	tx.Status = StatusDraft
	if err := tx.Transition(StatusValidating); err != nil {
		return Transaction{}, err
	}
	if err := CheckDraft(tx); err != nil {
		return draft, err
	}
	_, snap, err := s.prepare(ctx, tx, 0)
	if err != nil {
		return draft, err
	}
	if err := Validate(tx, snap); err != nil {
		return draft, err
	}
	enrich(&tx, snap)
	tx.Status = StatusDraft
	return tx, nil
}

// Submit validates and commits a new transaction.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (tx Transaction, err error) {
	draft := input.Transaction.Clone()
	draft.ID = 0
	draft.ReferenceNumber = ""
	draft.Status = StatusDraft
	if err := draft.Transition(StatusValidating); err != nil {
		return Transaction{}, err
	}
	mt := draft.MovementType()

	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) || errors.Is(err, shared.ErrInvalidIdempotencyKey) {
				return Transaction{}, err
			}
			return Transaction{}, &DataUnavailableError{Resource: "idempotency", Err: err}
		}
		defer func() {
			if err != nil {
				if delErr := s.idempotency.Delete(ctx, input.IdempotencyKey, idempotencyModule); delErr != nil {
					s.logger.Warn("release idempotency key", slog.Any("error", delErr))
				}
			}
		}()
	}

	if err := CheckDraft(draft); err != nil {
		return s.reject(draft, err)
	}
	guard, snap, err := s.prepare(ctx, draft, 0)
	if err != nil {
		return s.reject(draft, err)
	}
	if err := Validate(draft, snap); err != nil {
		return s.reject(draft, err)
	}
	enrich(&draft, snap)
	if err := draft.Transition(StatusCommitted); err != nil {
		return Transaction{}, err
	}
	draft.CreatedBy = input.ActorID

	saved, err := s.store.SubmitTransaction(ctx, draft, guard)
	if err != nil {
		err = &PersistenceError{Op: "submit", Err: err}
		s.metrics.observeRejection(mt, err)
		return Transaction{}, err
	}
	s.metrics.observeWrite(mt, "submit")
	s.afterWrite(ctx, saved, ChangeCommitted, input.ActorID, saved.TouchedKeys())
	return saved, nil
}

// Update re-validates and replaces a committed transaction. The edited
// document's previous version is excluded from PO balances and source stock.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (Transaction, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if err := current.Transition(StatusEditing); err != nil {
		return Transaction{}, err
	}
	if input.Transaction.MovementType() != current.MovementType() {
		return Transaction{}, fmt.Errorf("%w: %s cannot become %s", ErrImmutableMovementType, current.MovementType(), input.Transaction.MovementType())
	}
	if input.Version != 0 && input.Version != current.Version {
		return Transaction{}, &ConflictError{Scope: transactionScope(id), Expected: input.Version, Actual: current.Version}
	}

	draft := input.Transaction.Clone()
	draft.ID = id
	draft.ReferenceNumber = current.ReferenceNumber
	draft.CreatedBy = current.CreatedBy
	draft.CreatedAt = current.CreatedAt
	draft.Status = StatusEditing
	if err := draft.Transition(StatusValidating); err != nil {
		return Transaction{}, err
	}
	if err := CheckDraft(draft); err != nil {
		return s.reject(draft, err)
	}
	guard, snap, err := s.prepare(ctx, draft, id)
	if err != nil {
		return s.reject(draft, err)
	}
	guard.Version = current.Version
	if err := Validate(draft, snap); err != nil {
		return s.reject(draft, err)
	}
	enrich(&draft, snap)
	if err := draft.Transition(StatusCommitted); err != nil {
		return Transaction{}, err
	}

	saved, err := s.store.UpdateTransaction(ctx, id, draft, guard)
	if err != nil {
		err = &PersistenceError{Op: "update", Err: err}
		s.metrics.observeRejection(draft.MovementType(), err)
		return Transaction{}, err
	}
	s.metrics.observeWrite(saved.MovementType(), "update")
	s.afterWrite(ctx, saved, ChangeUpdated, input.ActorID, mergeKeys(current.TouchedKeys(), saved.TouchedKeys()))
	return saved, nil
}

// Delete removes a committed transaction from the ledger. Every stock view
// and PO balance it contributed to changes on the next read.
func (s *Service) Delete(ctx context.Context, id, version, actorID int64) error {
	current, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := current.Transition(StatusDeleted); err != nil {
		return err
	}
	if version != 0 && version != current.Version {
		return &ConflictError{Scope: transactionScope(id), Expected: version, Actual: current.Version}
	}
	if err := s.store.DeleteTransaction(ctx, id, WriteGuard{Version: current.Version}); err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	s.metrics.observeWrite(current.MovementType(), "delete")
	s.afterWrite(ctx, current, ChangeDeleted, actorID, current.TouchedKeys())
	return nil
}

// Get loads one transaction.
func (s *Service) Get(ctx context.Context, id int64) (Transaction, error) {
	return s.load(ctx, id)
}

// List returns committed transactions matching filter.
func (s *Service) List(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	txs, err := s.store.FetchTransactions(ctx, filter)
	if err != nil {
		return nil, &DataUnavailableError{Resource: "transactions", Err: err}
	}
	return txs, nil
}

// StockViews returns the replayed view of every key, served from the cache
// when possible.
func (s *Service) StockViews(ctx context.Context, keys []StockKey) ([]LocationStockView, error) {
	views := make([]LocationStockView, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, k := range keys {
		g.Go(func() error {
			view, err := s.cache.View(gctx, k, func(ctx context.Context) (LocationStockView, error) {
				return s.computeView(ctx, k)
			})
			if err != nil {
				return err
			}
			views[i] = view
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

func (s *Service) computeView(ctx context.Context, k StockKey) (LocationStockView, error) {
	txs, err := s.store.FetchTransactions(ctx, TransactionFilter{LocationID: k.LocationID, ItemID: k.ItemID})
	if err != nil {
		return LocationStockView{}, &DataUnavailableError{Resource: "transactions", Err: err}
	}
	return AggregateStock(txs, k)[k], nil
}

// Recompute replays the full ledger for keys, bypassing the cache. With no
// keys every pair the ledger touches is returned.
func (s *Service) Recompute(ctx context.Context, keys []StockKey) (map[StockKey]LocationStockView, error) {
	txs, err := s.store.FetchTransactions(ctx, TransactionFilter{})
	if err != nil {
		return nil, &DataUnavailableError{Resource: "transactions", Err: err}
	}
	if len(keys) == 0 {
		return AggregateStock(txs), nil
	}
	return AggregateStockParallel(ctx, txs, keys, s.workers)
}

// RefreshStock recomputes keys and stores the fresh views in the cache. The
// versioned cache keys are read before the replay, so a write landing during
// the replay orphans the result instead of being masked by it.
func (s *Service) RefreshStock(ctx context.Context, keys []StockKey) error {
	if len(keys) == 0 || s.cache == nil {
		return nil
	}
	cacheKeys := make(map[StockKey]string, len(keys))
	for _, k := range keys {
		key, err := s.cache.BuildKey(ctx, k)
		if err != nil {
			return err
		}
		cacheKeys[k] = key
	}
	views, err := s.Recompute(ctx, keys)
	if err != nil {
		return err
	}
	for k, view := range views {
		if err := s.cache.PutAt(ctx, cacheKeys[k], view); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileReport summarises a comparison of cached views with the ledger.
type ReconcileReport struct {
	Checked int
	Drifted []StockKey
}

// Reconcile replays the whole ledger, compares each pair with its cached view
// and drops the cached entries that drifted.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	views, err := s.Recompute(ctx, nil)
	if err != nil {
		return ReconcileReport{}, err
	}
	var report ReconcileReport
	for k, fresh := range views {
		cached, ok, err := s.cache.Peek(ctx, k)
		if err != nil {
			return report, err
		}
		if !ok {
			continue
		}
		report.Checked++
		if cached.TotalIn.Equal(fresh.TotalIn) && cached.TotalOut.Equal(fresh.TotalOut) {
			continue
		}
		report.Drifted = append(report.Drifted, k)
		s.logger.Warn("stock cache drift",
			slog.String("location_id", string(k.LocationID)),
			slog.String("item_id", string(k.ItemID)),
			slog.String("cached_net", cached.NetStock().String()),
			slog.String("ledger_net", fresh.NetStock().String()),
		)
		if err := s.cache.Drop(ctx, k); err != nil {
			return report, err
		}
	}
	return report, nil
}

// LocationInventory lists current stock at a location.
func (s *Service) LocationInventory(ctx context.Context, loc LocationID) ([]StockItem, error) {
	if loc == "" {
		return nil, &MissingRequiredFieldError{Field: "location_id"}
	}
	items, err := s.store.FetchLocationInventory(ctx, loc)
	if err != nil {
		return nil, &DataUnavailableError{Resource: "location inventory", Err: err}
	}
	return items, nil
}

// PurchaseOrderBalances returns the PO's lines with received and balance
// quantities replayed from the ledger.
func (s *Service) PurchaseOrderBalances(ctx context.Context, po PurchaseOrderID) ([]PurchaseOrderLine, error) {
	lines, err := s.store.FetchPurchaseOrderLines(ctx, po)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &DataUnavailableError{Resource: "purchase order", Err: err}
	}
	return lines, nil
}

// SavePurchaseOrder creates or replaces a purchase order.
func (s *Service) SavePurchaseOrder(ctx context.Context, po PurchaseOrder) error {
	if err := checkPurchaseOrder(po); err != nil {
		return err
	}
	if err := s.store.SavePurchaseOrder(ctx, po); err != nil {
		return &PersistenceError{Op: "save purchase order", Err: err}
	}
	return nil
}

// Settlement computes the payable summary of a committed receipt.
func (s *Service) Settlement(ctx context.Context, id int64) (Settlement, error) {
	tx, err := s.load(ctx, id)
	if err != nil {
		return Settlement{}, err
	}
	if tx.MovementType() != MovementReceipt {
		return Settlement{}, ErrSettlementNotSupported
	}
	return Settle(tx.Items, tx.Charges), nil
}

func (s *Service) load(ctx context.Context, id int64) (Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transaction{}, err
		}
		return Transaction{}, &DataUnavailableError{Resource: "transaction", Err: err}
	}
	return tx, nil
}

// prepare reads the scope revisions the write will be guarded by and then the
// state the draft is validated against. excludeID drops an edited document
// from that state.
func (s *Service) prepare(ctx context.Context, tx Transaction, excludeID int64) (WriteGuard, Snapshot, error) {
	_, guarded := tx.Scopes()
	guard := WriteGuard{Scopes: map[string]int64{}}
	if len(guarded) > 0 {
		revs, err := s.store.ScopeRevisions(ctx, guarded)
		if err != nil {
			return WriteGuard{}, Snapshot{}, &DataUnavailableError{Resource: "scope revisions", Err: err}
		}
		for _, scope := range guarded {
			guard.Scopes[scope] = revs[scope]
		}
	}

	switch h := tx.Header.(type) {
	case ReceiptHeader:
		if h.OpeningBalance {
			return guard, Snapshot{}, nil
		}
		lines, err := s.store.FetchPurchaseOrderLines(ctx, h.PurchaseOrderID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return WriteGuard{}, Snapshot{}, &InvalidHeaderError{MovementType: MovementReceipt, Field: "purchase_order_id", Rule: "exists"}
			}
			return WriteGuard{}, Snapshot{}, &DataUnavailableError{Resource: "purchase order", Err: err}
		}
		if excludeID != 0 {
			txs, err := s.store.FetchTransactions(ctx, TransactionFilter{PurchaseOrderID: h.PurchaseOrderID, MovementType: MovementReceipt})
			if err != nil {
				return WriteGuard{}, Snapshot{}, &DataUnavailableError{Resource: "transactions", Err: err}
			}
			received := ReceivedAgainstPO(txs, h.PurchaseOrderID, excludeID)
			for i := range lines {
				lines[i].TotalReceivedQty = received[lines[i].ItemID]
			}
		}
		return guard, NewSnapshot(lines, nil), nil
	case TransferHeader, IssueHeader:
		src, _ := tx.SourceLocation()
		stock, err := s.sourceStock(ctx, src, excludeID)
		if err != nil {
			return WriteGuard{}, Snapshot{}, err
		}
		return guard, NewSnapshot(nil, stock), nil
	}
	return guard, Snapshot{}, nil
}

func (s *Service) sourceStock(ctx context.Context, src LocationID, excludeID int64) ([]StockItem, error) {
	if excludeID == 0 {
		stock, err := s.store.FetchLocationInventory(ctx, src)
		if err != nil {
			return nil, &DataUnavailableError{Resource: "location inventory", Err: err}
		}
		return stock, nil
	}
	txs, err := s.store.FetchTransactions(ctx, TransactionFilter{LocationID: src})
	if err != nil {
		return nil, &DataUnavailableError{Resource: "transactions", Err: err}
	}
	return LocationInventory(Without(txs, excludeID), src), nil
}

func (s *Service) reject(tx Transaction, err error) (Transaction, error) {
	if IsValidationError(err) {
		_ = tx.Transition(StatusRejected)
	}
	s.metrics.observeRejection(tx.MovementType(), err)
	s.logger.Info("material transaction rejected",
		slog.String("movement_type", string(tx.MovementType())),
		slog.String("reason", RejectionKind(err)),
		slog.Any("error", err),
	)
	return Transaction{}, err
}

// afterWrite records the audit entry, invalidates cached views and emits the
// change event. The write is already durable so failures are only logged.
func (s *Service) afterWrite(ctx context.Context, tx Transaction, reason string, actorID int64, keys []StockKey) {
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "materials.transaction." + reason,
			Entity:   "material_transaction",
			EntityID: strconv.FormatInt(tx.ID, 10),
			Meta: map[string]any{
				"reference_number": tx.ReferenceNumber,
				"movement_type":    tx.MovementType(),
				"version":          tx.Version,
				"lines":            len(tx.Items),
			},
		})
		if err != nil {
			s.logger.Warn("audit record failed", slog.Int64("transaction_id", tx.ID), slog.Any("error", err))
		}
	}
	if err := s.cache.Invalidate(ctx, keys); err != nil {
		s.logger.Warn("stock cache invalidation failed", slog.Int64("transaction_id", tx.ID), slog.Any("error", err))
	}
	if s.integration != nil {
		evt := StockChangedEvent{
			TransactionID:   tx.ID,
			ReferenceNumber: tx.ReferenceNumber,
			MovementType:    tx.MovementType(),
			Reason:          reason,
			Keys:            keys,
			At:              time.Now().UTC(),
		}
		if err := s.integration.HandleStockChanged(ctx, evt); err != nil {
			s.logger.Warn("stock change event failed", slog.Int64("transaction_id", tx.ID), slog.Any("error", err))
		}
	}
}

// enrich records the PO figures a receipt was validated against and fills
// missing units and names from the snapshot.
func enrich(tx *Transaction, snap Snapshot) {
	poBacked := false
	if h, ok := tx.Receipt(); ok && !h.OpeningBalance {
		poBacked = true
	}
	used := make(map[ItemID]decimal.Decimal)
	for i := range tx.Items {
		item := &tx.Items[i]
		if l, ok := snap.POLines[item.ItemID]; ok && poBacked {
			item.OrderedQty = l.OrderedQty
			item.ReceivedBefore = l.TotalReceivedQty.Add(used[item.ItemID])
			used[item.ItemID] = used[item.ItemID].Add(item.Quantity)
			if item.ItemName == "" {
				item.ItemName = l.ItemName
			}
		} else if !poBacked {
			item.OrderedQty = decimal.Zero
			item.ReceivedBefore = decimal.Zero
		}
		if item.Unit == "" {
			if unit, ok := canonicalUnit(item.ItemID, snap); ok {
				item.Unit = unit
			}
		}
		if item.ItemName == "" {
			if st, ok := snap.Stock[item.ItemID]; ok {
				item.ItemName = st.ItemName
			}
		}
	}
}

func checkPurchaseOrder(po PurchaseOrder) error {
	if po.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidPurchaseOrder)
	}
	if len(po.Lines) == 0 {
		return fmt.Errorf("%w: at least one line required", ErrInvalidPurchaseOrder)
	}
	seen := make(map[ItemID]struct{}, len(po.Lines))
	for i, l := range po.Lines {
		if l.ItemID == "" {
			return fmt.Errorf("%w: line %d item required", ErrInvalidPurchaseOrder, i+1)
		}
		if _, ok := seen[l.ItemID]; ok {
			return fmt.Errorf("%w: item %s listed twice", ErrInvalidPurchaseOrder, l.ItemID)
		}
		seen[l.ItemID] = struct{}{}
		if !l.OrderedQty.IsPositive() {
			return fmt.Errorf("%w: line %d ordered quantity must be greater than zero", ErrInvalidPurchaseOrder, i+1)
		}
		if l.Rate.IsNegative() {
			return fmt.Errorf("%w: line %d rate must be >= 0", ErrInvalidPurchaseOrder, i+1)
		}
	}
	return nil
}

func transactionScope(id int64) string {
	return "transaction:" + strconv.FormatInt(id, 10)
}
