package state_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"valyra/core/state"
	"valyra/native/escrow"
	"valyra/storage"
)

type staticCatalog map[uint64]*escrow.Listing

func (c staticCatalog) Listing(_ context.Context, id uint64) (*escrow.Listing, bool, error) {
	l, ok := c[id]
	return l, ok, nil
}

func TestEngineSettlesAgainstPersistentState(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var (
		owner    = common.HexToAddress("0x01")
		treasury = common.HexToAddress("0x02")
		buyer    = common.HexToAddress("0x10")
		seller   = common.HexToAddress("0x20")
	)
	catalog := staticCatalog{7: {ID: 7, Seller: seller, Price: big.NewInt(1_000_000), Active: true}}
	manager := state.NewManager(db)
	require.NoError(t, manager.Credit(buyer, big.NewInt(1_000_000)))

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	gov := escrow.Governance{Owner: owner, Treasury: treasury, TransitionPeriod: 30 * 24 * time.Hour}

	engine, err := escrow.NewEngine(manager, manager, catalog, escrow.WithGovernance(gov), escrow.WithClock(clock))
	require.NoError(t, err)

	id, err := engine.Deposit(ctx, buyer, 7, big.NewInt(1_000_000), escrow.EncryptionEciesWallet)
	require.NoError(t, err)
	vault, err := manager.Balance(engine.Vault())
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), vault.Int64())

	require.NoError(t, engine.UploadCredentialHash(ctx, seller, id, common.HexToHash("0xabc")))
	require.NoError(t, engine.ConfirmReceipt(ctx, buyer, id))

	// A second engine over the same database sees the committed records.
	reopened, err := escrow.NewEngine(manager, manager, catalog, escrow.WithClock(clock))
	require.NoError(t, err)
	esc, err := reopened.Escrow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, escrow.StateReleased, esc.State)
	require.Equal(t, owner, reopened.Governance().Owner)

	now = now.Add(31 * 24 * time.Hour)
	paid, err := reopened.ClaimTransitionRetainer(ctx, seller, id)
	require.NoError(t, err)
	require.Equal(t, int64(97_500), paid.Int64())

	for addr, want := range map[common.Address]int64{
		buyer:          0,
		seller:         975_000,
		treasury:       25_000,
		engine.Vault(): 0,
	} {
		balance, err := manager.Balance(addr)
		require.NoError(t, err)
		require.Equal(t, want, balance.Int64(), addr.Hex())
	}
}
