package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/booking-engine/internal/booking"
	"github.com/hackgods/booking-engine/internal/config"
	"github.com/hackgods/booking-engine/internal/db"
	"github.com/hackgods/booking-engine/internal/logging"
)

const slotLength = 30 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New("seed", cfg.Env, cfg.LogLevel)
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.DefaultPoolOptions)
	if err == nil {
		err = db.CheckSchema(ctx, pool)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	gofakeit.Seed(0)

	professionals, err := seedProfessionals(context.Background(), logger, pool, getInt("SEED_PROFESSIONALS", 20))
	if err != nil {
		logger.Fatal().Err(err).Msg("seed professionals")
	}
	if err := seedPatients(context.Background(), logger, pool, getInt("SEED_PATIENTS", 2000)); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	svc := booking.NewService(booking.NewPgRepository(pool), booking.NewLocalLocker(), nil, booking.WithLogger(logger))
	if err := seedSlots(context.Background(), logger, svc, professionals, getInt("SEED_DAYS", 5)); err != nil {
		logger.Fatal().Err(err).Msg("seed slots")
	}

	logger.Info().Msg("seed complete")
}

func seedProfessionals(ctx context.Context, logger zerolog.Logger, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	logger.Info().Int("count", count).Msg("seeding professionals")

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO professionals (id, display_name, specialty)
			VALUES ($1, $2, $3)
		`, id, "Dr. "+gofakeit.Name(), gofakeit.RandomString(specialties))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedPatients(ctx context.Context, logger zerolog.Logger, pool *pgxpool.Pool, count int) error {
	logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, display_name, email)
				VALUES ($1, $2, $3)
			`, uuid.New(), gofakeit.Name(), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logger.Debug().Int("done", end).Int("total", count).Msg("patients seeded")
	}
	return nil
}

// seedSlots opens a weekday grid of half-hour slots, 09:00 to 17:00 UTC,
// for each professional starting tomorrow. Slots go through the Service so
// the overlap rules and audit log apply.
func seedSlots(ctx context.Context, logger zerolog.Logger, svc *booking.Service, professionals []uuid.UUID, days int) error {
	modalities := []booking.Modality{booking.ModalityInPerson, booking.ModalityTelehealth, booking.ModalityHomeVisit}
	first := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	created := 0
	for _, id := range professionals {
		actor := &booking.Actor{ID: id, Role: booking.RoleProfessional}
		modality := modalities[gofakeit.Number(0, len(modalities)-1)]

		for d := 0; d < days; d++ {
			day := first.AddDate(0, 0, d)
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			for start := day.Add(9 * time.Hour); start.Before(day.Add(17 * time.Hour)); start = start.Add(slotLength) {
				_, err := svc.CreateSlot(ctx, actor, booking.CreateSlotInput{
					StartTime: start,
					EndTime:   start.Add(slotLength),
					Modality:  modality,
				})
				if err != nil {
					return err
				}
				created++
			}
		}
	}

	logger.Info().Int("count", created).Msg("slots seeded")
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
