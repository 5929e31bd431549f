package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/merlin/internal/anomaly"
	"github.com/opensource-finance/merlin/internal/baseline"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/features"
	"github.com/opensource-finance/merlin/internal/ledger"
)

var t0 = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

func seedLedger(t *testing.T, users, perUser int) *ledger.MemoryLedger {
	t.Helper()
	l := ledger.NewMemory()
	rng := rand.New(rand.NewPCG(1, 2))
	for u := 0; u < users; u++ {
		for i := 0; i < perUser; i++ {
			tx := &domain.Transaction{
				UserID:           fmt.Sprintf("user-%d", u),
				Amount:           40 + rng.Float64()*20,
				Location:         "US",
				MerchantCategory: "grocery",
				Timestamp:        t0.Add(time.Duration(i) * time.Hour),
			}
			_, err := l.Insert(context.Background(), tx, &domain.Decision{RiskLevel: domain.RiskLow})
			require.NoError(t, err)
		}
	}
	return l
}

func modelConfig(dir string, minSamples int) domain.ModelConfig {
	cfg := domain.DefaultConfig().Model
	cfg.Path = filepath.Join(dir, "ml", "model.json")
	cfg.MinSamples = minSamples
	cfg.Trees = 20
	return cfg
}

func TestDatasetReplaysPreTransactionBaseline(t *testing.T) {
	l := seedLedger(t, 2, 3)

	data, err := Dataset(context.Background(), l, time.Hour)
	require.NoError(t, err)
	require.Len(t, data, 6)

	hist, err := l.QueryHistory(context.Background(), "user-0", time.Time{})
	require.NoError(t, err)

	// The first vector of each user sees a cold baseline.
	assert.Equal(t, features.Build(hist[0], domain.ColdBaseline("user-0")), data[0])

	// The third sees the first two.
	want := features.Build(hist[2], baseline.Summarize("user-0", hist[:2], time.Hour))
	assert.Equal(t, want, data[2])
}

func TestBootstrap(t *testing.T) {
	l := seedLedger(t, 5, 20)
	cfg := modelConfig(t.TempDir(), 50)

	m, err := Bootstrap(context.Background(), l, cfg, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, features.Fingerprint(), m.Fingerprint)
	assert.Equal(t, features.Dim(), m.Dim)
	assert.Equal(t, 100, m.Samples)

	_, err = os.Stat(cfg.Path)
	assert.NoError(t, err, "model should be saved")
}

func TestBootstrapInsufficientData(t *testing.T) {
	l := seedLedger(t, 1, 5)
	_, err := Bootstrap(context.Background(), l, modelConfig(t.TempDir(), 50), time.Hour)
	assert.ErrorIs(t, err, anomaly.ErrInsufficientData)
}

func TestLoadOrTrain(t *testing.T) {
	ctx := context.Background()

	t.Run("TrainsWhenMissing", func(t *testing.T) {
		scorer := anomaly.NewScorer(features.Fingerprint(), features.Dim())
		cfg := modelConfig(t.TempDir(), 50)

		require.NoError(t, LoadOrTrain(ctx, scorer, seedLedger(t, 5, 20), cfg, time.Hour))
		assert.True(t, scorer.Available())

		// A second start loads the saved file.
		again := anomaly.NewScorer(features.Fingerprint(), features.Dim())
		require.NoError(t, LoadOrTrain(ctx, again, ledger.NewMemory(), cfg, time.Hour))
		assert.True(t, again.Available())
	})

	t.Run("RulesOnlyWithoutHistory", func(t *testing.T) {
		scorer := anomaly.NewScorer(features.Fingerprint(), features.Dim())
		require.NoError(t, LoadOrTrain(ctx, scorer, ledger.NewMemory(), modelConfig(t.TempDir(), 50), time.Hour))
		assert.False(t, scorer.Available())
	})

	t.Run("TrainingDisabled", func(t *testing.T) {
		scorer := anomaly.NewScorer(features.Fingerprint(), features.Dim())
		cfg := modelConfig(t.TempDir(), 50)
		cfg.TrainIfMissing = false

		require.NoError(t, LoadOrTrain(ctx, scorer, seedLedger(t, 5, 20), cfg, time.Hour))
		assert.False(t, scorer.Available())
		_, err := os.Stat(cfg.Path)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("SchemaMismatchIsFatal", func(t *testing.T) {
		cfg := modelConfig(t.TempDir(), 50)
		data := make([][]float64, 10)
		for i := range data {
			data[i] = []float64{float64(i), float64(i % 3)}
		}
		p := anomaly.DefaultParams()
		p.Trees = 5
		p.Fingerprint = "another-schema"
		m, err := anomaly.Train(data, p)
		require.NoError(t, err)
		require.NoError(t, anomaly.Save(cfg.Path, m))

		scorer := anomaly.NewScorer(features.Fingerprint(), features.Dim())
		err = LoadOrTrain(ctx, scorer, ledger.NewMemory(), cfg, time.Hour)
		assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
		assert.False(t, scorer.Available())
	})
}
