package cli

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feeledger/internal/backend"
	"feeledger/internal/config"
	"feeledger/internal/core"
	"feeledger/internal/storage/memory"
)

func TestSetupLogger(t *testing.T) {
	logger := SetupLogger("debug")
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))

	logger = SetupLogger("loud")
	assert.False(t, logger.Enabled(t.Context(), slog.LevelDebug))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
}

func TestNewLedgerServiceAppliesPolicy(t *testing.T) {
	store := memory.New([]core.Student{
		{ID: "s1", HostelID: "h1", MonthlyRent: core.Cents(50000), Active: true},
	}, nil)
	cfg := &config.Config{DueDay: 12, AdvanceMonthLimit: 3}
	svc := NewLedgerService(cfg, &backend.BackendResult{Store: store}, SetupLogger("error"))

	created, err := svc.EnsureMonth(t.Context(), "h1", core.NewFeeMonth(2024, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	led, err := svc.StudentLedger(t.Context(), "s1")
	require.NoError(t, err)
	require.Len(t, led.Periods, 1)
	assert.Equal(t, core.NewDate(2024, 3, 12), led.Periods[0].DueDate)
}
