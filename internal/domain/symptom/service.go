package symptom

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careagent/pregnancy/internal/domain/contract"
	"github.com/careagent/pregnancy/internal/platform/agent"
)

// DefaultDispatchDelay is how long a report waits before it is forwarded.
const DefaultDispatchDelay = time.Second

// ContractReader loads contracts.
type ContractReader interface {
	Get(ctx context.Context, id int64) (*contract.Contract, error)
}

// RecordWriter stores measurements with the monitoring agent.
type RecordWriter interface {
	AddRecords(ctx context.Context, contractID int64, values []agent.Measurement) agent.Result
}

// Reporter tells the doctor and the patient about a questionnaire.
type Reporter interface {
	SymptomReport(ctx context.Context, contractID int64, warnings []string) error
}

// Service classifies questionnaires and forwards them in the background.
type Service struct {
	contracts ContractReader
	records   RecordWriter
	reporter  Reporter
	delay     time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	wg sync.WaitGroup
}

func NewService(contracts ContractReader, records RecordWriter, reporter Reporter, logger zerolog.Logger) *Service {
	return &Service{
		contracts: contracts,
		records:   records,
		reporter:  reporter,
		delay:     DefaultDispatchDelay,
		now:       time.Now,
		logger:    logger,
	}
}

// SetDispatchDelay overrides the pause before a report is forwarded.
func (s *Service) SetDispatchDelay(d time.Duration) {
	if d >= 0 {
		s.delay = d
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Record classifies the answers of contract id and schedules the messages
// and measurements. Dispatch failures are logged, never returned.
func (s *Service) Record(ctx context.Context, id int64, fields map[string]string) (Report, error) {
	c, err := s.contracts.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	week, ok := c.CurrentWeek(s.now())
	if !ok {
		week = -1
	}

	r := Classify(fields, week)
	s.logger.Info().
		Int64("contract_id", id).
		Int("measurements", len(r.Measurements)).
		Int("warnings", len(r.Warnings)).
		Msg("symptom questionnaire received")

	s.wg.Add(1)
	go s.dispatch(context.WithoutCancel(ctx), id, r)
	return r, nil
}

func (s *Service) dispatch(ctx context.Context, id int64, r Report) {
	defer s.wg.Done()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	log := s.logger.With().Int64("contract_id", id).Logger()
	if err := s.reporter.SymptomReport(ctx, id, r.Warnings); err != nil {
		log.Error().Err(err).Msg("symptom notification failed")
	}
	if res := s.records.AddRecords(ctx, id, r.Measurements); !res.OK() {
		log.Warn().Err(res.Err).Str("outcome", res.Status.String()).Msg("storing symptom records failed")
	}
}

// Wait blocks until every scheduled dispatch has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
