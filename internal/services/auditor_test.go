package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feeledger/internal/core"
	"feeledger/internal/storage"
)

func TestAuditorCleanLedger(t *testing.T) {
	store := newMemoryStore(t)
	svc := newService(store)
	openPeriods(t, svc, "s1", "2024-01")
	openPeriods(t, svc, "s2", "2024-01")

	for _, in := range []RecordPaymentInput{pay("s1", 70000), pay("s2", 100)} {
		_, err := svc.RecordPayment(context.Background(), in)
		require.NoError(t, err)
	}

	found, err := NewAuditor(store, quietLogger()).AuditRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestAuditorFindsDrift(t *testing.T) {
	store := newMemoryStore(t)
	svc := newService(store)
	openPeriods(t, svc, "s1", "2024-01")
	_, err := svc.RecordPayment(context.Background(), pay("s1", 20000))
	require.NoError(t, err)

	// Credit the period behind the ledger's back.
	ctx := context.Background()
	err = store.InTx(ctx, func(tx storage.Tx) error {
		periods, err := tx.StudentPeriods(ctx, "s1")
		if err != nil {
			return err
		}
		p, err := periods[0].Credit(core.Cents(500))
		if err != nil {
			return err
		}
		_, err = tx.UpdatePeriodPaid(ctx, p)
		return err
	})
	require.NoError(t, err)

	found, err := NewAuditor(store, quietLogger()).AuditStudent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, core.MustParseFeeMonth("2024-01"), found[0].FeeMonth)
	assert.Contains(t, found[0].String(), "period 2024-01")
}
