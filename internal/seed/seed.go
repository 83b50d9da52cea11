package seed

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-scheduling/internal/scheduling"
)

// Sink persists the people that slot generation and booking depend on.
type Sink interface {
	AddProviders(ctx context.Context, providers []scheduling.Provider) error
	AddPatients(ctx context.Context, patients []scheduling.Patient) error
}

type Options struct {
	Providers int
	Patients  int
	// Days of slots generated per provider, starting at From.
	Days int
	From civil.Date
	// Seed makes the fake data reproducible; zero picks a random one.
	Seed uint64
}

type Result struct {
	Providers []uuid.UUID
	Patients  []uuid.UUID
	Slots     int
}

var sessionLengths = []int{15, 20, 30, 45, 60}

// Run inserts fake providers and patients, then generates a working day of
// 08:00-17:00 with a lunch break for every provider over opts.Days.
func Run(ctx context.Context, sink Sink, svc *scheduling.Service, opts Options, log *zap.Logger) (*Result, error) {
	faker := gofakeit.New(opts.Seed)
	now := time.Now().UTC()

	providers := make([]scheduling.Provider, 0, opts.Providers)
	for i := 0; i < opts.Providers; i++ {
		providers = append(providers, scheduling.Provider{
			ID:             uuid.New(),
			Name:           "Dr. " + faker.LastName(),
			SessionMinutes: sessionLengths[faker.Number(0, len(sessionLengths)-1)],
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if err := sink.AddProviders(ctx, providers); err != nil {
		return nil, fmt.Errorf("seed providers: %w", err)
	}
	log.Info("providers seeded", zap.Int("count", len(providers)))

	patients := make([]scheduling.Patient, 0, opts.Patients)
	for i := 0; i < opts.Patients; i++ {
		email := faker.Email()
		patients = append(patients, scheduling.Patient{
			ID:        uuid.New(),
			Name:      faker.Name(),
			Email:     &email,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := sink.AddPatients(ctx, patients); err != nil {
		return nil, fmt.Errorf("seed patients: %w", err)
	}
	log.Info("patients seeded", zap.Int("count", len(patients)))

	res := &Result{}
	for _, p := range patients {
		res.Patients = append(res.Patients, p.ID)
	}

	if opts.Days <= 0 {
		for _, p := range providers {
			res.Providers = append(res.Providers, p.ID)
		}
		return res, nil
	}

	lunch := &scheduling.BreakWindow{Start: scheduling.NewClock(12, 0), End: scheduling.NewClock(13, 0)}
	for _, p := range providers {
		gen, err := svc.GenerateSlots(ctx, scheduling.GenerateRequest{
			ProviderID: p.ID,
			StartDate:  opts.From,
			EndDate:    opts.From.AddDays(opts.Days - 1),
			DayStart:   scheduling.NewClock(8, 0),
			DayEnd:     scheduling.NewClock(17, 0),
			Break:      lunch,
		})
		if err != nil {
			return nil, fmt.Errorf("generate slots for %s: %w", p.ID, err)
		}
		res.Providers = append(res.Providers, p.ID)
		res.Slots += len(gen.Created)
	}
	log.Info("slots generated", zap.Int("count", res.Slots))

	return res, nil
}

// MemorySink seeds the in-process store.
type MemorySink struct {
	Repo *scheduling.MemoryRepository
}

func (s MemorySink) AddProviders(_ context.Context, providers []scheduling.Provider) error {
	for _, p := range providers {
		s.Repo.AddProvider(p)
	}
	return nil
}

func (s MemorySink) AddPatients(_ context.Context, patients []scheduling.Patient) error {
	for _, p := range patients {
		s.Repo.AddPatient(p)
	}
	return nil
}

// PgSink writes in batches, one transaction per batch.
type PgSink struct {
	Pool      *pgxpool.Pool
	BatchSize int
}

func (s PgSink) AddProviders(ctx context.Context, providers []scheduling.Provider) error {
	return inBatches(ctx, s.Pool, s.BatchSize, len(providers), func(ctx context.Context, exec execer, i int) error {
		p := providers[i]
		_, err := exec.Exec(ctx, `
			INSERT INTO providers (id, name, session_minutes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, p.ID, p.Name, p.SessionMinutes, p.CreatedAt, p.UpdatedAt)
		return err
	})
}

func (s PgSink) AddPatients(ctx context.Context, patients []scheduling.Patient) error {
	return inBatches(ctx, s.Pool, s.BatchSize, len(patients), func(ctx context.Context, exec execer, i int) error {
		p := patients[i]
		_, err := exec.Exec(ctx, `
			INSERT INTO patients (id, name, email, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, p.ID, p.Name, p.Email, p.CreatedAt, p.UpdatedAt)
		return err
	})
}
