package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/careagent/pregnancy/internal/domain/catalog"
	"github.com/careagent/pregnancy/internal/domain/contract"
	"github.com/careagent/pregnancy/internal/platform/agent"
	"github.com/careagent/pregnancy/internal/platform/telemetry"
)

// Commander sends order commands to the monitoring agent.
type Commander interface {
	SendOrder(ctx context.Context, contractID int64, command string, params json.RawMessage) agent.Result
}

// ChangeNotifier tells the doctor and the patient about order changes.
type ChangeNotifier interface {
	OrdersChanged(ctx context.Context, contractID int64, started, stopped []string) error
}

// OrderStore commits confirmed order changes.
type OrderStore interface {
	SaveOrders(ctx context.Context, id int64, ch contract.OrderChanges) error
}

// Report describes what a reconciliation actually changed.
type Report struct {
	ContractID int64    `json:"contract_id"`
	Week       int      `json:"week"`
	Started    []string `json:"started"`
	Stopped    []string `json:"stopped"`
	Failed     int      `json:"failed"`

	Changes contract.OrderChanges `json:"-"`
}

// Empty reports whether no order changed.
func (r Report) Empty() bool {
	return len(r.Started) == 0 && len(r.Stopped) == 0
}

type Reconciler struct {
	catalog  *catalog.Catalog
	commands Commander
	notifier ChangeNotifier
	store    OrderStore
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

func NewReconciler(cat *catalog.Catalog, commands Commander, notifier ChangeNotifier, store OrderStore,
	metrics *telemetry.Metrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		catalog:  cat,
		commands: commands,
		notifier: notifier,
		store:    store,
		metrics:  metrics,
		logger:   logger,
	}
}

// Reconcile runs every stop, then every start, in d against the agent. Only
// confirmed commands change c; failed ones are left for the next pass. A
// non-empty report is sent to the notifier before the changes are committed,
// and a notification failure is logged without blocking the commit.
func (r *Reconciler) Reconcile(ctx context.Context, c *contract.Contract, d Decision) (Report, error) {
	rep := Report{ContractID: c.ID, Week: d.Week, Started: []string{}, Stopped: []string{}}
	log := r.logger.With().Int64("contract_id", c.ID).Int("week", d.Week).Logger()

	skip := contract.NewOrderSet()
	if overlap := d.Overlap(); len(overlap) > 0 {
		log.Error().Interface("order_ids", overlap).
			Msg("catalog configuration error: orders both stopped and started; not starting them")
		skip = contract.NewOrderSet(overlap...)
	}

	for _, id := range d.ToStop {
		o, ok := r.catalog.Order(id)
		if !ok {
			log.Warn().Int("order_id", int(id)).Msg("order not in catalog, skipping stop")
			continue
		}
		if r.send(ctx, log, c.ID, id, o.StopCommand, o.StopParams) {
			rep.Changes.Stopped = append(rep.Changes.Stopped, id)
			rep.Stopped = append(rep.Stopped, o.Description)
		} else {
			rep.Failed++
		}
	}

	for _, id := range d.ToStart {
		if skip.Has(id) {
			continue
		}
		o, ok := r.catalog.Order(id)
		if !ok {
			log.Warn().Int("order_id", int(id)).Msg("order not in catalog, skipping start")
			continue
		}
		if r.send(ctx, log, c.ID, id, o.StartCommand, o.StartParams) {
			rep.Changes.Started = append(rep.Changes.Started, id)
			rep.Started = append(rep.Started, o.Description)
		} else {
			rep.Failed++
		}
	}

	if rep.Changes.Empty() {
		return rep, nil
	}

	if err := r.notifier.OrdersChanged(ctx, c.ID, rep.Started, rep.Stopped); err != nil {
		log.Error().Err(err).Msg("order change notification failed")
	}

	if err := r.store.SaveOrders(ctx, c.ID, rep.Changes); err != nil {
		return rep, fmt.Errorf("save orders of contract %d: %w", c.ID, err)
	}
	c.Apply(rep.Changes)

	r.metrics.OrdersStarted(ctx, len(rep.Changes.Started))
	r.metrics.OrdersStopped(ctx, len(rep.Changes.Stopped))
	log.Info().
		Strs("started", rep.Started).
		Strs("stopped", rep.Stopped).
		Int("failed", rep.Failed).
		Msg("orders reconciled")
	return rep, nil
}

func (r *Reconciler) send(ctx context.Context, log zerolog.Logger, contractID int64, id catalog.OrderID,
	command string, params json.RawMessage) bool {
	res := r.commands.SendOrder(ctx, contractID, command, params)
	switch res.Status {
	case agent.StatusSuccess:
		return true
	case agent.StatusTimeout:
		log.Warn().Err(res.Err).Int("order_id", int(id)).Str("command", command).
			Str("outcome", res.Status.String()).Msg("order command timed out")
	default:
		log.Warn().Err(res.Err).Int("order_id", int(id)).Str("command", command).
			Str("outcome", res.Status.String()).Msg("order command failed")
	}
	r.metrics.CommandFailed(ctx, res.Status.String())
	return false
}
