package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/provider-scheduling/internal/auth"
	"github.com/hackgods/provider-scheduling/internal/config"
	"github.com/hackgods/provider-scheduling/internal/db"
	"github.com/hackgods/provider-scheduling/internal/logging"
	"github.com/hackgods/provider-scheduling/internal/scheduling"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	providers := envInt("SEED_PROVIDERS", 10)
	patients := envInt("SEED_PATIENTS", 200)
	slotsPerProvider := envInt("SEED_SLOTS_PER_PROVIDER", 8)

	logger.Info("seed starting",
		zap.Int("providers", providers),
		zap.Int("patients", patients),
		zap.Int("slots_per_provider", slotsPerProvider),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	work := context.Background()

	admins, err := seedUsers(work, pool, logger, auth.RoleAdmin, 1)
	if err != nil {
		logger.Fatal("seed admins", zap.Error(err))
	}
	providerUsers, err := seedUsers(work, pool, logger, auth.RoleProvider, providers)
	if err != nil {
		logger.Fatal("seed provider users", zap.Error(err))
	}
	patientUsers, err := seedUsers(work, pool, logger, auth.RolePatient, patients)
	if err != nil {
		logger.Fatal("seed patients", zap.Error(err))
	}

	repo := scheduling.NewPgRepository(pool)
	registry := scheduling.NewProviderRegistry(repo, logger.Named("registry"))
	availability := scheduling.NewAvailabilityManager(repo, nil, zap.NewNop(), cfg.RejectOverlappingSlots)

	if err := seedSchedules(work, registry, availability, logger, providerUsers, slotsPerProvider); err != nil {
		logger.Fatal("seed schedules", zap.Error(err))
	}

	issuer := auth.NewIssuer(cfg.JWTSecret)
	for _, p := range []auth.Principal{admins[0], providerUsers[0], patientUsers[0]} {
		token, err := issuer.Issue(p, cfg.TokenTTL)
		if err != nil {
			logger.Fatal("issue token", zap.Error(err))
		}
		logger.Info("sample token",
			zap.String("role", p.Role.String()),
			zap.String("user_id", p.ID.String()),
			zap.String("token", token),
		)
	}

	logger.Info("seed complete")
}

// seedUsers stands in for the identity provider, which owns the users table.
func seedUsers(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger, role auth.Role, count int) ([]auth.Principal, error) {
	const batchSize = 500

	out := make([]auth.Principal, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			_, err := tx.Exec(ctx, `
				INSERT INTO users (id, full_name, email, role, created_at)
				VALUES ($1, $2, $3, $4, now())
			`, id, truncate(gofakeit.Name(), 50), fmt.Sprintf("%s.%s", id.String()[:8], gofakeit.Email()), role.String())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, fmt.Errorf("insert %s user: %w", role, err)
			}
			out = append(out, auth.Principal{ID: id, Role: role})
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		logger.Info("users seeded", zap.String("role", role.String()), zap.Int("done", end), zap.Int("total", count))
	}
	return out, nil
}

// seedSchedules creates a profile per provider user and publishes hourly slots
// starting tomorrow at 09:00 UTC.
func seedSchedules(ctx context.Context, registry *scheduling.ProviderRegistry, availability *scheduling.AvailabilityManager, logger *zap.Logger, owners []auth.Principal, slotsPerProvider int) error {
	day := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	for _, owner := range owners {
		address := fmt.Sprintf("%s, %s", gofakeit.Street(), gofakeit.City())
		profile, err := registry.CreateProfile(ctx, owner, scheduling.ProfileInput{
			Specialty:     specialties[gofakeit.Number(0, len(specialties)-1)],
			Bio:           fmt.Sprintf("%s with %d years of practice", gofakeit.JobTitle(), gofakeit.Number(2, 35)),
			ClinicAddress: &address,
		})
		if err != nil {
			return err
		}

		for i := 0; i < slotsPerProvider; i++ {
			start := day.Add(time.Duration(9+i) * time.Hour)
			if _, err := availability.PublishSlot(ctx, owner, profile.ID, start, start.Add(time.Hour)); err != nil {
				return err
			}
		}
	}

	logger.Info("schedules seeded", zap.Int("providers", len(owners)), zap.Int("slots", len(owners)*slotsPerProvider))
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
