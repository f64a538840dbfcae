package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/internal/participant"
	"github.com/cloudphone/txcore/internal/replay"
	"github.com/cloudphone/txcore/internal/saga"
	"github.com/cloudphone/txcore/internal/sagas"
	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
)

var orderNamespace = uuid.MustParse("0b7d6f0e-8f0c-4d8e-a7d3-5c1f2e9a4b60")

// OrderIDFor derives the order of a purchase saga, so a re-executed
// CREATE_ORDER lands on the same stream.
func OrderIDFor(sagaID string) string {
	return "ord-" + uuid.NewSHA1(orderNamespace, []byte(sagaID)).String()
}

// compensationOrder is the order a compensation acts on. A timed-out step's
// reply never merged orderId, so it falls back to the id derived from the saga.
func compensationOrder(pc sagas.PurchaseContext, sagaID string) string {
	if pc.OrderID != "" {
		return pc.OrderID
	}
	return OrderIDFor(sagaID)
}

// ServiceParams groups dependencies for the billing service.
type ServiceParams struct {
	Repo     Repository
	Events   *eventstore.Store
	Payments PaymentGateway
	Logger   *logger.Logger
}

// Service owns billing plans and the order aggregate, and executes the
// billing steps of purchase sagas.
type Service struct {
	repo     Repository
	events   *eventstore.Store
	orders   *replay.Replayer[Order]
	payments PaymentGateway
	logg     *logger.Logger
}

// NewService builds a billing service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Events == nil {
		return nil, errors.New("event store is required")
	}
	if params.Payments == nil {
		params.Payments = LedgerGateway{}
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	return &Service{
		repo:     params.Repo,
		events:   params.Events,
		orders:   replay.NewReplayer(params.Events, OrderAggregate()),
		payments: params.Payments,
		logg:     params.Logger,
	}, nil
}

// Orders is the order replayer, registered for the aggregate API.
func (s *Service) Orders() *replay.Replayer[Order] {
	return s.orders
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (replay.Result[Order], error) {
	return s.orders.Replay(ctx, orderID, 0)
}

func (s *Service) ListPlans(ctx context.Context, q ListBillingPlansQuery) ([]models.BillingPlan, error) {
	return s.repo.ListBillingPlans(ctx, q)
}

func (s *Service) CreatePlan(ctx context.Context, plan *models.BillingPlan) error {
	if plan.ID == "" || plan.Name == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "plan id and name are required")
	}
	if !plan.PriceAmount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "plan price must be positive")
	}
	existing, err := s.repo.FindBillingPlanByID(ctx, plan.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup billing plan")
	}
	if existing != nil {
		return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("plan %s already exists", plan.ID))
	}
	if err := s.repo.CreateBillingPlan(ctx, plan); err != nil {
		if errors.Is(err, ErrPlanExists) {
			return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("plan %s already exists", plan.ID))
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create billing plan")
	}
	return nil
}

// Register wires the billing commands into d.
func (s *Service) Register(d *participant.Dispatcher) error {
	handlers := map[string]participant.Handler{
		sagas.CmdValidatePlan:   s.validatePlan,
		sagas.CmdCreateOrder:    s.createOrder,
		sagas.CmdCancelOrder:    s.cancelOrder,
		sagas.CmdProcessPayment: s.processPayment,
		sagas.CmdRefundPayment:  s.refundPayment,
		sagas.CmdActivateOrder:  s.activateOrder,
	}
	for name, h := range handlers {
		if err := d.Handle(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) validatePlan(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var pc sagas.PurchaseContext
	if err := participant.Bind(cmd, &pc); err != nil {
		return nil, err
	}
	plan, err := s.repo.WithTx(tx).FindBillingPlanByID(ctx, pc.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.Active {
		return nil, participant.Rejectf("plan %s not found or inactive", pc.PlanID)
	}
	if !plan.PriceAmount.Equal(pc.Amount) {
		return nil, participant.Rejectf("price mismatch for plan %s: expected %s, got %s", plan.ID, plan.PriceAmount, pc.Amount)
	}
	if plan.CurrencyCode != pc.Currency {
		return nil, participant.Rejectf("plan %s is sold in %s, not %s", plan.ID, plan.CurrencyCode, pc.Currency)
	}
	if pc.DeviceCount > plan.DeviceQuota {
		return nil, participant.Rejectf("plan %s allows %d device(s), %d requested", plan.ID, plan.DeviceQuota, pc.DeviceCount)
	}
	return nil, nil
}

func (s *Service) createOrder(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var pc sagas.PurchaseContext
	if err := participant.Bind(cmd, &pc); err != nil {
		return nil, err
	}
	orderID := OrderIDFor(cmd.SagaID)
	existing, err := s.loadOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if existing.Version > 0 {
		if existing.State.SagaID != cmd.SagaID {
			return nil, participant.Rejectf("order %s belongs to saga %s", orderID, existing.State.SagaID)
		}
		return participant.Output(map[string]any{"orderId": orderID})
	}

	err = s.append(ctx, tx, cmd, orderID, 0, enums.EventOrderCreated, orderCreatedSchema, OrderCreatedV2{
		OrderID:  orderID,
		UserID:   pc.UserID,
		PlanID:   pc.PlanID,
		Amount:   pc.Amount,
		Currency: pc.Currency,
		SagaID:   cmd.SagaID,
	})
	if err != nil {
		return nil, err
	}
	return participant.Output(map[string]any{"orderId": orderID})
}

func (s *Service) cancelOrder(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var pc sagas.PurchaseContext
	if err := participant.Bind(cmd, &pc); err != nil {
		return nil, err
	}
	orderID := compensationOrder(pc, cmd.SagaID)
	order, err := s.loadOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.State.Status {
	case "", OrderStatusCancelled:
		return nil, nil
	case OrderStatusActive:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order %s is active and cannot be cancelled", orderID))
	}
	err = s.append(ctx, tx, cmd, orderID, order.Version, enums.EventOrderCancelled, 1, OrderCancelled{
		Reason: "saga " + cmd.SagaID + " compensated",
	})
	return nil, err
}

func (s *Service) processPayment(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var pc sagas.PurchaseContext
	if err := participant.Bind(cmd, &pc); err != nil {
		return nil, err
	}
	order, err := s.requireOrder(ctx, tx, pc.OrderID)
	if err != nil {
		return nil, err
	}
	switch order.State.Status {
	case OrderStatusPaid:
		return participant.Output(map[string]any{"paymentId": order.State.PaymentID})
	case OrderStatusPending:
	default:
		return nil, participant.Rejectf("order %s is %s and cannot be paid", pc.OrderID, order.State.Status)
	}

	paymentID, err := s.payments.Charge(ctx, order.State.OrderID, order.State.Amount, order.State.Currency)
	if err != nil {
		return nil, participant.RejectRetryable("payment failed: " + err.Error())
	}
	err = s.append(ctx, tx, cmd, pc.OrderID, order.Version, enums.EventOrderPaid, 1, OrderPaid{
		PaymentID: paymentID,
		Amount:    order.State.Amount,
	})
	if err != nil {
		return nil, err
	}
	return participant.Output(map[string]any{"paymentId": paymentID})
}

func (s *Service) refundPayment(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var pc sagas.PurchaseContext
	if err := participant.Bind(cmd, &pc); err != nil {
		return nil, err
	}
	// The order stream, not the saga context, records the charge: a payment
	// whose reply was lost is still refunded.
	orderID := compensationOrder(pc, cmd.SagaID)
	order, err := s.loadOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.State.Status != OrderStatusPaid {
		return nil, nil
	}
	paymentID := order.State.PaymentID
	if err := s.payments.Refund(ctx, paymentID, order.State.Amount); err != nil {
		return nil, fmt.Errorf("refund %s: %w", paymentID, err)
	}
	err = s.append(ctx, tx, cmd, orderID, order.Version, enums.EventOrderRefunded, 1, OrderRefunded{
		PaymentID: paymentID,
		Amount:    order.State.Amount,
		Reason:    "saga " + cmd.SagaID + " compensated",
	})
	return nil, err
}

func (s *Service) activateOrder(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var pc sagas.PurchaseContext
	if err := participant.Bind(cmd, &pc); err != nil {
		return nil, err
	}
	order, err := s.requireOrder(ctx, tx, pc.OrderID)
	if err != nil {
		return nil, err
	}
	switch order.State.Status {
	case OrderStatusActive:
		return nil, nil
	case OrderStatusPaid:
	default:
		return nil, participant.Rejectf("order %s is %s and cannot be activated", pc.OrderID, order.State.Status)
	}
	err = s.append(ctx, tx, cmd, pc.OrderID, order.Version, enums.EventOrderActivated, 1, OrderActivated{DeviceID: pc.DeviceID})
	return nil, err
}

// loadOrder replays the order inside tx. A missing order is the zero result.
func (s *Service) loadOrder(ctx context.Context, tx *gorm.DB, orderID string) (replay.Result[Order], error) {
	res, err := s.orders.WithSource(s.events.WithTx(tx)).Replay(ctx, orderID, 0)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return replay.Result[Order]{AggregateID: orderID}, nil
	}
	return res, err
}

func (s *Service) requireOrder(ctx context.Context, tx *gorm.DB, orderID string) (replay.Result[Order], error) {
	if orderID == "" {
		return replay.Result[Order]{}, participant.Reject("saga context has no orderId")
	}
	res, err := s.loadOrder(ctx, tx, orderID)
	if err != nil {
		return res, err
	}
	if res.Version == 0 {
		return res, participant.Rejectf("order %s not found", orderID)
	}
	return res, nil
}

func (s *Service) append(ctx context.Context, tx *gorm.DB, cmd saga.Command, orderID string, expected int64, eventType enums.EventType, schema int, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.events.AppendTx(ctx, tx, eventstore.AppendRequest{
		AggregateID:     orderID,
		AggregateType:   enums.AggregateOrder,
		ExpectedVersion: expected,
		Events: []eventstore.NewEvent{{
			EventType:     string(eventType),
			SchemaVersion: schema,
			Payload:       body,
			CausationID:   cmd.IdempotencyKey,
			CorrelationID: cmd.SagaID,
			Actor:         "billing",
		}},
	})
	return err
}
