package services

import (
	"context"
	"testing"
	"time"

	"table-settlement-system/chain"
	"table-settlement-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvisionService(t *testing.T) (*ProvisionService, *chain.MockGateway) {
	gw := chain.NewMockGateway()
	svc := NewProvisionService(newTestDB(t), gw)
	svc.RetryDelay = time.Millisecond
	return svc, gw
}

func TestProvision(t *testing.T) {
	svc, gw := newProvisionService(t)
	receipt := gw.ScriptSuccess()

	table, err := svc.Provision(context.Background(), "Friday Night", dec("1.0"), models.TokenETH, "host", "req-1")
	require.NoError(t, err)

	assert.Equal(t, receipt.ContractAddress, table.EscrowAddress)
	assert.Equal(t, "friday-night", table.JoinSlug)
	assert.Equal(t, models.TableStatusOpen, table.Status)

	require.Len(t, gw.DeployCalls, 1)
	assert.Equal(t, "req-1", gw.DeployCalls[0].Key, "the request id is the chain idempotency key")
	assert.Equal(t, models.TokenETH, gw.DeployCalls[0].Token)
	assert.Equal(t, "1", gw.DeployCalls[0].BuyIn)

	var seats int64
	svc.DB.Model(&models.Seat{}).Where("table_id = ?", table.ID).Count(&seats)
	assert.Equal(t, int64(models.SeatsPerTable), seats)

	var unclaimed int64
	svc.DB.Model(&models.Seat{}).
		Where("table_id = ? AND occupant_id IS NOT NULL", table.ID).
		Count(&unclaimed)
	assert.Equal(t, int64(0), unclaimed, "new tables start with every seat empty")
}

func TestProvision_DeployFailureWritesNothing(t *testing.T) {
	svc, gw := newProvisionService(t)
	gw.ScriptError(chain.ErrNetwork)

	_, err := svc.Provision(context.Background(), "Friday Night", dec("1.0"), models.TokenETH, "host", "req-1")
	assert.ErrorIs(t, err, ErrProvisioningFailed)

	var tables, seats int64
	svc.DB.Model(&models.Table{}).Count(&tables)
	svc.DB.Model(&models.Seat{}).Count(&seats)
	assert.Equal(t, int64(0), tables, "no table row without a confirmed escrow")
	assert.Equal(t, int64(0), seats)
}

func TestProvision_IdempotentByRequestID(t *testing.T) {
	svc, gw := newProvisionService(t)
	gw.ScriptSuccess()

	first, err := svc.Provision(context.Background(), "Friday Night", dec("1.0"), models.TokenETH, "host", "req-1")
	require.NoError(t, err)

	// The replay must not deploy a second contract.
	second, err := svc.Provision(context.Background(), "Friday Night", dec("1.0"), models.TokenETH, "host", "req-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.EscrowAddress, second.EscrowAddress)
	assert.Len(t, gw.DeployCalls, 1)

	var count int64
	svc.DB.Model(&models.Table{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestProvision_DistinctRequestsDistinctTables(t *testing.T) {
	svc, gw := newProvisionService(t)
	gw.ScriptSuccess()
	gw.ScriptSuccess()

	first, err := svc.Provision(context.Background(), "Table A", dec("1.0"), models.TokenUSDC, "host", "req-1")
	require.NoError(t, err)
	second, err := svc.Provision(context.Background(), "Table B", dec("2.5"), models.TokenSOL, "host", "req-2")
	require.NoError(t, err)

	assert.NotEqual(t, first.EscrowAddress, second.EscrowAddress)
	assert.Len(t, gw.DeployCalls, 2)
}

func TestProvision_RaceLoserOrphansItsContract(t *testing.T) {
	svc, gw := newProvisionService(t)
	receipt := gw.ScriptSuccess()

	// While this call's deployment is in flight, a concurrent retry of the
	// same request lands its own row. The loser must converge to that row
	// and record its already-deployed contract instead of dropping it.
	winner := &models.Table{
		ID:                 uuid.NewString(),
		Name:               "Friday Night",
		JoinSlug:           "friday-night",
		BuyIn:              dec("1.0"),
		Token:              models.TokenETH,
		CreatorID:          "host",
		EscrowAddress:      "0xwinner",
		ProvisionRequestID: "req-1",
		Status:             models.TableStatusOpen,
	}
	gw.OnStep = func() {
		require.NoError(t, svc.DB.Create(winner).Error)
	}

	table, err := svc.Provision(context.Background(), "Friday Night", dec("1.0"), models.TokenETH, "host", "req-1")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, table.ID, "loser converges to the winner's row")

	var orphan models.OrphanedEscrow
	require.NoError(t, svc.DB.First(&orphan, "escrow_address = ?", receipt.ContractAddress).Error)
	assert.Equal(t, "req-1", orphan.ProvisionRequestID)

	var tables int64
	svc.DB.Model(&models.Table{}).Count(&tables)
	assert.Equal(t, int64(1), tables)
}

func TestProvision_StoreFailureRecordsOrphan(t *testing.T) {
	svc, gw := newProvisionService(t)
	svc.StoreRetries = 1
	receipt := gw.ScriptSuccess()

	// Force the table write to fail by occupying the unique escrow address
	// under a different request id.
	blocker := &models.Table{
		ID:                 "blocker",
		Name:               "Blocker",
		JoinSlug:           "blocker",
		BuyIn:              dec("1.0"),
		Token:              models.TokenETH,
		CreatorID:          "someone",
		EscrowAddress:      receipt.ContractAddress,
		ProvisionRequestID: "other-req",
		Status:             models.TableStatusOpen,
	}
	require.NoError(t, svc.DB.Create(blocker).Error)

	_, err := svc.Provision(context.Background(), "Friday Night", dec("1.0"), models.TokenETH, "host", "req-1")
	assert.ErrorIs(t, err, ErrProvisioningFailed)

	var orphan models.OrphanedEscrow
	require.NoError(t, svc.DB.First(&orphan, "escrow_address = ?", receipt.ContractAddress).Error)
	assert.Equal(t, "req-1", orphan.ProvisionRequestID)
}
