package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/consultation-scheduling/internal/config"
	"github.com/hackgods/consultation-scheduling/internal/db"
	"github.com/hackgods/consultation-scheduling/pkg/logger"
)

// SimConfig drives a contention run: every selected slot receives
// Contenders simultaneous booking requests from different patients.
type SimConfig struct {
	APIBaseURL   string
	Contenders   int
	SlotLimit    int
	PatientLimit int
	CancelRatio  float64
	PostgresDSN  string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Busy      int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch status {
	case http.StatusCreated, http.StatusOK:
		atomic.AddInt64(&om.Success, 1)
	case http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case http.StatusServiceUnavailable:
		atomic.AddInt64(&om.Busy, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := append([]time.Duration(nil), om.Latencies...)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	n := len(latencies)
	return sum / time.Duration(n), latencies[n*50/100], latencies[min(n*95/100, n-1)], latencies[n-1]
}

type Simulator struct {
	config   SimConfig
	client   *http.Client
	log      *zap.Logger
	patients []uuid.UUID
	slots    []uuid.UUID

	booking OperationMetrics
	cancel  OperationMetrics
	rebook  OperationMetrics

	// winners per slot; more than one is a double booking
	mu      sync.Mutex
	winners map[uuid.UUID][]bookingResult
}

type bookingResult struct {
	AppointmentID     uuid.UUID `json:"id"`
	CancellationToken uuid.UUID `json:"cancellation_token"`
}

func main() {
	log := logger.Must(getEnv("LOG_LEVEL", "info"), "console")
	defer func() { _ = log.Sync() }()

	cfg := loadConfig(log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 4)
	cancel()
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	sim := &Simulator{
		config:  cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
		winners: make(map[uuid.UUID][]bookingResult),
	}
	if err := sim.load(context.Background(), pool); err != nil {
		pool.Close()
		log.Fatal("load data", zap.Error(err))
	}
	log.Info("loaded data", zap.Int("patients", len(sim.patients)), zap.Int("slots", len(sim.slots)))

	start := time.Now()
	if err := sim.Run(context.Background()); err != nil {
		pool.Close()
		log.Fatal("simulation failed", zap.Error(err))
	}

	violations := sim.PrintReport(time.Since(start))
	if violations > 0 {
		os.Exit(1)
	}
}

func loadConfig(log *zap.Logger) SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatal("load base config", zap.Error(err))
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Contenders:   getInt("SIM_CONTENDERS", 20),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 200),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.3),
		PostgresDSN:  baseCfg.PostgresDSN,
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Contenders <= 0 {
		log.Fatal("SIM_CONTENDERS must be > 0")
	}
	return cfg
}

func (s *Simulator) load(ctx context.Context, pool *pgxpool.Pool) error {
	var err error
	s.patients, err = queryIDs(ctx, pool, `SELECT id FROM patients LIMIT $1`, s.config.PatientLimit)
	if err != nil {
		return fmt.Errorf("load patients: %w", err)
	}
	s.slots, err = queryIDs(ctx, pool, `
		SELECT id FROM slots
		WHERE status = 'AVAILABLE' AND slot_date >= CURRENT_DATE
		ORDER BY slot_date, start_time
		LIMIT $1
	`, s.config.SlotLimit)
	if err != nil {
		return fmt.Errorf("load slots: %w", err)
	}

	if len(s.patients) < 2 {
		return fmt.Errorf("need at least 2 patients, found %d", len(s.patients))
	}
	if len(s.slots) == 0 {
		return fmt.Errorf("no available slots")
	}
	return nil
}

func queryIDs(ctx context.Context, pool *pgxpool.Pool, sql string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Run storms every slot, cancels a share of the winners through their
// token and storms those slots again to check the capacity came back.
func (s *Simulator) Run(ctx context.Context) error {
	s.log.Info("booking storm", zap.Int("slots", len(s.slots)), zap.Int("contenders", s.config.Contenders))
	if err := s.storm(ctx, s.slots, &s.booking); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var released []uuid.UUID
	for _, slotID := range s.slots {
		w := s.winnersOf(slotID)
		if len(w) != 1 || rng.Float64() >= s.config.CancelRatio {
			continue
		}
		status, latency := s.post(ctx, fmt.Sprintf("/appointments/cancel/%s", w[0].CancellationToken), nil, nil)
		s.cancel.Record(latency, status)
		if status == http.StatusOK {
			s.resetWinners(slotID)
			released = append(released, slotID)
		}
	}

	s.log.Info("rebooking released slots", zap.Int("slots", len(released)))
	return s.storm(ctx, released, &s.rebook)
}

func (s *Simulator) storm(ctx context.Context, slots []uuid.UUID, om *OperationMetrics) error {
	for _, slotID := range slots {
		g, gctx := errgroup.WithContext(ctx)
		startGate := make(chan struct{})

		for i := 0; i < s.config.Contenders; i++ {
			patientID := s.patients[i%len(s.patients)]
			g.Go(func() error {
				<-startGate
				var res bookingResult
				status, latency := s.post(gctx, "/appointments", map[string]string{
					"slot_id":    slotID.String(),
					"patient_id": patientID.String(),
				}, &res)
				om.Record(latency, status)
				if status == http.StatusCreated {
					s.addWinner(slotID, res)
				}
				return nil
			})
		}
		close(startGate)
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) post(ctx context.Context, path string, body any, out any) (int, time.Duration) {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, 0
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.log.Debug("request failed", zap.String("path", path), zap.Error(err))
		return 0, latency
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, latency
}

func (s *Simulator) addWinner(slotID uuid.UUID, res bookingResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.winners[slotID] = append(s.winners[slotID], res)
}

func (s *Simulator) winnersOf(slotID uuid.UUID) []bookingResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winners[slotID]
}

func (s *Simulator) resetWinners(slotID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.winners, slotID)
}

// PrintReport returns the number of slots that were booked more than once.
func (s *Simulator) PrintReport(took time.Duration) int {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("CONTENTION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Took: %s\n", took.Round(time.Millisecond))
	fmt.Printf("Slots: %d, contenders per slot: %d\n\n", len(s.slots), s.config.Contenders)

	printOperationReport("Booking storm", &s.booking)
	printOperationReport("Cancel by token", &s.cancel)
	printOperationReport("Rebooking storm", &s.rebook)

	s.mu.Lock()
	defer s.mu.Unlock()
	violations := 0
	for slotID, w := range s.winners {
		if len(w) > 1 {
			violations++
			fmt.Printf("DOUBLE BOOKING: slot %s has %d winners\n", slotID, len(w))
		}
	}
	if violations == 0 {
		fmt.Println("No slot was booked more than once.")
	}
	return violations
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	avg, p50, p95, max := om.Stats()
	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", om.Success, pct(om.Success))
	fmt.Printf("  Conflicts: %d (%.1f%%)\n", om.Conflict, pct(om.Conflict))
	fmt.Printf("  Busy: %d (%.1f%%)\n", om.Busy, pct(om.Busy))
	if om.Error > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", om.Error, pct(om.Error))
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
