package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/provider-scheduling/internal/auth"
	"github.com/hackgods/provider-scheduling/internal/config"
	"github.com/hackgods/provider-scheduling/internal/db"
	"github.com/hackgods/provider-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	PatientLimit int
	SlotLimit    int
	RaceSlots    int // slots hammered by RaceCallers concurrent bookers before the mixed run
	RaceCallers  int
}

type patient struct {
	principal auth.Principal
	token     string
}

type booking struct {
	id      uuid.UUID
	patient *patient
}

type DataPool struct {
	Patients []*patient
	Slots    []uuid.UUID

	mu       sync.Mutex
	bookings []booking
}

func (dp *DataPool) AddBooking(b booking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

// TakeBooking removes and returns a random booking so it is canceled once.
func (dp *DataPool) TakeBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	idx := rng.Intn(len(dp.bookings))
	b := dp.bookings[idx]
	dp.bookings[idx] = dp.bookings[len(dp.bookings)-1]
	dp.bookings = dp.bookings[:len(dp.bookings)-1]
	return b, true
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (booking, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  *zap.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger, err := logging.New(baseCfg.LogLevel, baseCfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("cancel", cfg.CancelRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN, baseCfg.PostgresMaxConns)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg, auth.NewIssuer(baseCfg.JWTSecret), baseCfg.TokenTTL)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}
	logger.Info("data loaded", zap.Int("patients", len(dataPool.Patients)), zap.Int("open_slots", len(dataPool.Slots)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	races := sim.Race(context.Background())
	sim.Run()

	verification, err := verify(context.Background(), pgPool)
	if err != nil {
		logger.Fatal("verify store", zap.Error(err))
	}
	sim.PrintReport(races, verification)
	if !verification.OK() {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.4),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 1000),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 500),
		RaceSlots:    getInt("SIM_RACE_SLOTS", 5),
		RaceCallers:  getInt("SIM_RACE_CALLERS", 20),
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.RaceSlots < 0 || cfg.RaceCallers < 0 {
		return fmt.Errorf("SIM_RACE_SLOTS and SIM_RACE_CALLERS must be >= 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig, issuer *auth.Issuer, ttl time.Duration) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM users WHERE role = 'patient' LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		p := auth.Principal{ID: id, Role: auth.RolePatient}
		token, err := issuer.Issue(p, ttl)
		if err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, &patient{principal: p, token: token})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}

	rows, err = pool.Query(ctx, `
		SELECT id FROM availabilities
		WHERE is_booked = false AND start_time > now()
		ORDER BY start_time
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no open slots loaded")
	}
	return dataPool, nil
}

// Race books each of the first RaceSlots slots from RaceCallers patients at
// the same instant.
func (s *Simulator) Race(ctx context.Context) []RaceResult {
	n := min(s.config.RaceSlots, len(s.pool.Slots))
	if n == 0 || s.config.RaceCallers == 0 {
		return nil
	}
	raced := s.pool.Slots[:n]
	s.pool.Slots = s.pool.Slots[n:]

	results := make([]RaceResult, n)
	for i, slotID := range raced {
		var (
			mu    sync.Mutex
			wg    sync.WaitGroup
			start = make(chan struct{})
		)
		for c := 0; c < s.config.RaceCallers; c++ {
			p := s.pool.Patients[(i*s.config.RaceCallers+c)%len(s.pool.Patients)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				status, latency, apptID := s.book(ctx, p, slotID)
				s.metrics.Race.Record(latency, status == http.StatusCreated, status == http.StatusConflict)

				mu.Lock()
				defer mu.Unlock()
				switch status {
				case http.StatusCreated:
					results[i].Winners++
					s.pool.AddBooking(booking{id: apptID, patient: p})
				case http.StatusConflict:
					results[i].Conflicts++
				default:
					results[i].Errors++
				}
			}()
		}
		close(start)
		wg.Wait()

		if results[i].Winners != 1 {
			s.logger.Error("slot race did not produce exactly one booking",
				zap.String("slot_id", slotID.String()),
				zap.Int("winners", results[i].Winners),
			)
		}
	}
	return results
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting mixed workload", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()

	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListOwn(ctx, rng)
			case 2:
				s.doListSlots(ctx)
			}
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	if len(s.pool.Slots) == 0 {
		return
	}
	slotID := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	status, latency, apptID := s.book(ctx, p, slotID)
	if status == http.StatusCreated {
		s.pool.AddBooking(booking{id: apptID, patient: p})
	}
	if ctx.Err() == nil {
		s.metrics.Booking.Record(latency, status == http.StatusCreated, status == http.StatusConflict)
	}
}

func (s *Simulator) book(ctx context.Context, p *patient, slotID uuid.UUID) (int, time.Duration, uuid.UUID) {
	body, _ := json.Marshal(map[string]string{"slot_id": slotID.String()})

	var appt struct {
		ID uuid.UUID `json:"id"`
	}
	status, latency := s.call(ctx, http.MethodPost, "/appointments", p.token, body, &appt)
	return status, latency, appt.ID
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.TakeBooking(rng)
	if !ok {
		return
	}
	status, latency := s.call(ctx, http.MethodPost, "/appointments/"+b.id.String()+"/cancel", b.patient.token, nil, nil)
	if ctx.Err() == nil {
		s.metrics.Cancel.Record(latency, status == http.StatusOK, status == http.StatusConflict)
	}
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	// canceled appointments read as 404, which is expected here
	status, latency := s.call(ctx, http.MethodGet, "/appointments/"+b.id.String(), b.patient.token, nil, nil)
	if ctx.Err() == nil {
		s.metrics.ReadByID.Record(latency, status == http.StatusOK, status == http.StatusNotFound)
	}
}

func (s *Simulator) doListOwn(ctx context.Context, rng *rand.Rand) {
	p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	status, latency := s.call(ctx, http.MethodGet, "/appointments?limit=20", p.token, nil, nil)
	if ctx.Err() == nil {
		s.metrics.ListOwn.Record(latency, status == http.StatusOK, false)
	}
}

func (s *Simulator) doListSlots(ctx context.Context) {
	status, latency := s.call(ctx, http.MethodGet, "/availability?only_open=true&limit=50", "", nil, nil)
	if ctx.Err() == nil {
		s.metrics.ListSlots.Record(latency, status == http.StatusOK, false)
	}
}

// call performs one request and returns the status code, or 0 on transport
// failure. out, when set, receives the decoded 2xx body.
func (s *Simulator) call(ctx context.Context, method, path, token string, body []byte, out any) (int, time.Duration) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, 0
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, latency
}

// verify checks the booking invariants directly against the store.
func verify(ctx context.Context, pool *pgxpool.Pool) (Verification, error) {
	var v Verification

	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT slot_id FROM appointments GROUP BY slot_id HAVING count(*) > 1
		) dup
	`).Scan(&v.DoubleBookedSlots)
	if err != nil {
		return v, fmt.Errorf("count double booked slots: %w", err)
	}

	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM availabilities s
		WHERE s.is_booked
		  AND NOT EXISTS (SELECT 1 FROM appointments a WHERE a.slot_id = s.id)
	`).Scan(&v.BookedWithoutAppt)
	if err != nil {
		return v, fmt.Errorf("count orphan booked slots: %w", err)
	}

	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM appointments a
		JOIN availabilities s ON s.id = a.slot_id
		WHERE NOT s.is_booked
	`).Scan(&v.ApptOnUnbookedSlot)
	if err != nil {
		return v, fmt.Errorf("count appointments on open slots: %w", err)
	}

	return v, nil
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
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
