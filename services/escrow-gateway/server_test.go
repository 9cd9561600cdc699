package escrowgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"valyra/core/state"
	"valyra/gateway/middleware"
	"valyra/native/escrow"
	"valyra/services/catalog"
	"valyra/storage"
)

var (
	testSecret   = []byte("gateway-test-secret")
	testOwner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testTreasury = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	testResolver = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	testBuyer    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	testSeller   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type testGateway struct {
	server  *Server
	engine  *escrow.Engine
	store   *SQLiteStore
	manager *state.Manager
	now     time.Time
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := storage.NewMemDB()
	t.Cleanup(func() { _ = db.Close() })
	manager := state.NewManager(db)
	require.NoError(t, manager.Credit(testBuyer, big.NewInt(5_000_000)))

	listings, err := catalog.New(
		escrow.Listing{ID: 1, Seller: testSeller, Price: big.NewInt(1_000_000), Active: true},
		escrow.Listing{ID: 2, Seller: testSeller, Price: big.NewInt(2_000_000), Active: true},
	)
	require.NoError(t, err)

	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gw := &testGateway{store: store, manager: manager, now: time.Unix(1_700_000_000, 0)}
	gov := escrow.Governance{
		Owner:            testOwner,
		Treasury:         testTreasury,
		Resolvers:        []common.Address{testResolver},
		TransitionPeriod: escrow.DefaultTransitionPeriod,
	}
	engine, err := escrow.NewEngine(manager, manager, listings,
		escrow.WithGovernance(gov),
		escrow.WithClock(func() time.Time { return gw.now }),
		escrow.WithEmitter(NewIndexer(store, logger)),
		escrow.WithLogger(logger),
	)
	require.NoError(t, err)
	gw.engine = engine

	server, err := NewServer(engine, store, Config{
		Auth: middleware.AuthConfig{HMACSecret: testSecret, Issuer: "valyra"},
	}, logger)
	require.NoError(t, err)
	gw.server = server
	return gw
}

func token(t *testing.T, subject common.Address) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, subject, "valyra", "", time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

type call struct {
	method string
	path   string
	caller common.Address
	key    string
	body   any
}

func (gw *testGateway) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if c.body != nil {
		raw, ok := c.body.(string)
		if !ok {
			encoded, err := json.Marshal(c.body)
			require.NoError(t, err)
			raw = string(encoded)
		}
		body = bytes.NewBufferString(raw)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.caller != (common.Address{}) {
		req.Header.Set("Authorization", "Bearer "+token(t, c.caller))
	}
	if c.key != "" {
		req.Header.Set(headerIdempotencyKey, c.key)
	}
	rec := httptest.NewRecorder()
	gw.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (gw *testGateway) deposit(t *testing.T, key string) EscrowView {
	t.Helper()
	rec := gw.do(t, call{
		method: http.MethodPost,
		path:   "/escrows",
		caller: testBuyer,
		key:    key,
		body:   DepositRequest{ListingID: 1, Amount: "1000000"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[EscrowView](t, rec)
}

func TestGatewayReleaseAndRetainerFlow(t *testing.T) {
	gw := newTestGateway(t)

	view := gw.deposit(t, "deposit-1")
	require.Equal(t, uint64(1), view.ID)
	require.Equal(t, "funded", view.State)
	require.Equal(t, "ecies_wallet", view.EncryptionMethod)
	require.Equal(t, "25000", view.PlatformFee)

	hash := common.HexToHash("0x1234").Hex()
	rec := gw.do(t, call{method: http.MethodPost, path: "/escrows/1/credentials", caller: testSeller, body: CredentialRequest{CredentialHash: hash}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "delivered", decode[EscrowView](t, rec).State)

	rec = gw.do(t, call{method: http.MethodPost, path: "/escrows/1/confirm", caller: testBuyer})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "released", decode[EscrowView](t, rec).State)

	rec = gw.do(t, call{method: http.MethodGet, path: "/escrows/1/hold"})
	require.Equal(t, http.StatusOK, rec.Code)
	hold := decode[HoldView](t, rec)
	require.Equal(t, "97500", hold.RetainedAmount)
	require.False(t, hold.Claimed)

	gw.now = gw.now.Add(escrow.DefaultTransitionPeriod + time.Second)
	rec = gw.do(t, call{method: http.MethodPost, path: "/escrows/1/transition/claim", caller: testSeller})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "97500", decode[payoutResponse](t, rec).Amount)

	for addr, want := range map[common.Address]int64{
		testBuyer:    4_000_000,
		testSeller:   975_000,
		testTreasury: 25_000,
	} {
		balance, err := gw.manager.Balance(addr)
		require.NoError(t, err)
		require.Equal(t, want, balance.Int64(), addr.Hex())
	}
}

func TestGatewayMapsEngineErrors(t *testing.T) {
	gw := newTestGateway(t)
	gw.deposit(t, "deposit-1")

	cases := []struct {
		name   string
		call   call
		status int
		kind   string
	}{
		{"wrong party", call{method: http.MethodPost, path: "/escrows/1/confirm", caller: testSeller}, http.StatusForbidden, "authorization"},
		{"wrong state", call{method: http.MethodPost, path: "/escrows/1/confirm", caller: testBuyer}, http.StatusConflict, "state"},
		{"deadline pending", call{method: http.MethodPost, path: "/escrows/1/timeout", caller: testBuyer}, http.StatusUnprocessableEntity, "deadline"},
		{"malformed body", call{method: http.MethodPost, path: "/escrows/1/credentials", caller: testSeller, body: `{"credentialHash":`}, http.StatusBadRequest, "validation"},
		{"unknown field", call{method: http.MethodPost, path: "/escrows/1/dispute", caller: testBuyer, body: `{"kind":"delivery"}`}, http.StatusBadRequest, "validation"},
		{"bad dispute type", call{method: http.MethodPost, path: "/escrows/1/dispute", caller: testBuyer, body: DisputeRequest{Type: "boredom"}}, http.StatusBadRequest, "validation"},
		{"unknown escrow", call{method: http.MethodPost, path: "/escrows/42/confirm", caller: testBuyer}, http.StatusNotFound, "not_found"},
		{"bad id", call{method: http.MethodPost, path: "/escrows/zero/confirm", caller: testBuyer}, http.StatusBadRequest, "validation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := gw.do(t, tc.call)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.kind, decode[errorResponse](t, rec).Kind)
		})
	}
}

func TestGatewayRequiresAuthentication(t *testing.T) {
	gw := newTestGateway(t)
	rec := gw.do(t, call{method: http.MethodPost, path: "/escrows", key: "k", body: DepositRequest{ListingID: 1, Amount: "1000000"}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = gw.do(t, call{method: http.MethodGet, path: "/escrows/1"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGatewayPauseReturnsUnavailable(t *testing.T) {
	gw := newTestGateway(t)

	rec := gw.do(t, call{method: http.MethodPost, path: "/admin/pause", caller: testBuyer})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = gw.do(t, call{method: http.MethodPost, path: "/admin/pause", caller: testOwner})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decode[ParamsView](t, rec).Paused)

	rec = gw.do(t, call{method: http.MethodPost, path: "/escrows", caller: testBuyer, key: "paused", body: DepositRequest{ListingID: 1, Amount: "1000000"}})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	require.Equal(t, "paused", decode[errorResponse](t, rec).Kind)

	rec = gw.do(t, call{method: http.MethodPost, path: "/admin/pause", caller: testOwner})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGatewayIdempotency(t *testing.T) {
	gw := newTestGateway(t)

	rec := gw.do(t, call{method: http.MethodPost, path: "/escrows", caller: testBuyer, body: DepositRequest{ListingID: 1, Amount: "1000000"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	first := gw.deposit(t, "same-key")
	replay := gw.do(t, call{method: http.MethodPost, path: "/escrows", caller: testBuyer, key: "same-key", body: DepositRequest{ListingID: 1, Amount: "1000000"}})
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
	require.Equal(t, first.ID, decode[EscrowView](t, replay).ID)

	balance, err := gw.manager.Balance(testBuyer)
	require.NoError(t, err)
	require.Equal(t, int64(4_000_000), balance.Int64())

	mismatch := gw.do(t, call{method: http.MethodPost, path: "/escrows", caller: testBuyer, key: "same-key", body: DepositRequest{ListingID: 2, Amount: "2000000"}})
	require.Equal(t, http.StatusConflict, mismatch.Code)
	require.Equal(t, "idempotency", decode[errorResponse](t, mismatch).Kind)

	// Keys are scoped to the caller.
	other := gw.do(t, call{method: http.MethodPost, path: "/escrows", caller: testSeller, key: "same-key", body: DepositRequest{ListingID: 2, Amount: "2000000"}})
	require.Equal(t, http.StatusBadRequest, other.Code, other.Body.String())
}

func TestGatewayEventsAreOrdered(t *testing.T) {
	gw := newTestGateway(t)
	gw.deposit(t, "deposit-1")
	rec := gw.do(t, call{method: http.MethodPost, path: "/escrows/1/credentials", caller: testSeller, body: CredentialRequest{CredentialHash: common.HexToHash("0x99").Hex()}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = gw.do(t, call{method: http.MethodGet, path: "/events"})
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[eventsResponse](t, rec)
	require.Len(t, page.Events, 3)
	require.Equal(t, escrow.EventTypeCreated, page.Events[0].Type)
	require.Equal(t, escrow.EventTypeFundsDeposited, page.Events[1].Type)
	require.Equal(t, escrow.EventTypeCredentialsUploaded, page.Events[2].Type)
	for i, evt := range page.Events {
		require.Equal(t, uint64(i+1), evt.Sequence)
		require.Equal(t, "1", evt.Attributes["escrowId"])
	}
	require.Equal(t, uint64(3), page.Next)

	rec = gw.do(t, call{method: http.MethodGet, path: "/events?after=2&limit=10"})
	page = decode[eventsResponse](t, rec)
	require.Len(t, page.Events, 1)
	require.Equal(t, escrow.EventTypeCredentialsUploaded, page.Events[0].Type)

	rec = gw.do(t, call{method: http.MethodGet, path: "/events?escrowId=7"})
	page = decode[eventsResponse](t, rec)
	require.Empty(t, page.Events)
	require.Equal(t, uint64(0), page.Next)

	rec = gw.do(t, call{method: http.MethodGet, path: "/events?limit=-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayOfferAccepted(t *testing.T) {
	gw := newTestGateway(t)

	rec := gw.do(t, call{method: http.MethodPost, path: "/offers", caller: testBuyer, key: "offer-1", body: OfferRequest{ListingID: 2, OfferPrice: "1500000", DepositAmount: "1500000"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	offer := decode[OfferView](t, rec)
	require.Equal(t, "pending", offer.Status)

	rec = gw.do(t, call{method: http.MethodPost, path: "/offers/1/accept", caller: testBuyer, key: "accept-1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = gw.do(t, call{method: http.MethodPost, path: "/offers/1/accept", caller: testSeller, key: "accept-1", body: AcceptOfferRequest{EncryptionMethod: "ephemeral_keypair"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	esc := decode[EscrowView](t, rec)
	require.Equal(t, "1500000", esc.Amount)
	require.Equal(t, uint64(1), esc.OfferID)
	require.Equal(t, "ephemeral_keypair", esc.EncryptionMethod)

	rec = gw.do(t, call{method: http.MethodGet, path: "/offers/1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "accepted", decode[OfferView](t, rec).Status)
}

func TestGatewayReadEndpoints(t *testing.T) {
	gw := newTestGateway(t)

	rec := gw.do(t, call{method: http.MethodGet, path: "/fees?amount=1000000"})
	require.Equal(t, http.StatusOK, rec.Code)
	fees := decode[FeesView](t, rec)
	require.Equal(t, "25000", fees.PlatformFee)
	require.Equal(t, "975000", fees.SellerPayout)
	require.Equal(t, "97500", fees.Retainer)

	rec = gw.do(t, call{method: http.MethodGet, path: "/fees?amount=abc"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = gw.do(t, call{method: http.MethodGet, path: "/params"})
	require.Equal(t, http.StatusOK, rec.Code)
	params := decode[ParamsView](t, rec)
	require.Equal(t, testOwner.Hex(), params.Owner)
	require.Equal(t, []string{testResolver.Hex()}, params.Resolvers)
	require.Equal(t, int64(30*24*3600), params.TransitionPeriod)

	rec = gw.do(t, call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGatewayAuditTrail(t *testing.T) {
	gw := newTestGateway(t)
	gw.deposit(t, "deposit-1")
	rec := gw.do(t, call{method: http.MethodPost, path: "/escrows/1/confirm", caller: testSeller})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = gw.do(t, call{method: http.MethodGet, path: "/admin/audit", caller: testBuyer})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = gw.do(t, call{method: http.MethodGet, path: "/admin/audit?limit=10", caller: testOwner})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	trail := decode[map[string][]AuditEntry](t, rec)["entries"]
	require.Len(t, trail, 2)
	require.Equal(t, "/escrows/1/confirm", trail[0].Path)
	require.Equal(t, http.StatusForbidden, trail[0].ResponseStatus)
	require.Equal(t, testSeller.Hex(), trail[0].Principal)
	require.Equal(t, "/escrows", trail[1].Path)
	require.Equal(t, http.StatusCreated, trail[1].ResponseStatus)
	require.NotEmpty(t, trail[1].RequestID)
}

func TestIndexerSurvivesClosedStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	ix := NewIndexer(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ix.Emit(escrow.PauseChangedEvent{Account: testOwner, Paused: true})

	_, err = store.LatestSequence(context.Background())
	require.Error(t, err)
}

func TestEventStreamPushesBacklogAndLiveEvents(t *testing.T) {
	gw := newTestGateway(t)
	gw.deposit(t, "deposit-1")

	srv := httptest.NewServer(gw.server)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events/stream?after=1", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() IndexedEvent {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var evt IndexedEvent
		require.NoError(t, json.Unmarshal(data, &evt))
		return evt
	}
	backlog := read()
	require.Equal(t, uint64(2), backlog.Sequence)
	require.Equal(t, escrow.EventTypeFundsDeposited, backlog.Type)

	rec := gw.do(t, call{method: http.MethodPost, path: "/escrows/1/credentials", caller: testSeller, body: CredentialRequest{CredentialHash: common.HexToHash("0x42").Hex()}})
	require.Equal(t, http.StatusOK, rec.Code)

	live := read()
	require.Equal(t, uint64(3), live.Sequence)
	require.Equal(t, escrow.EventTypeCredentialsUploaded, live.Type)
}

func TestExportEventsWritesParquet(t *testing.T) {
	gw := newTestGateway(t)
	gw.deposit(t, "deposit-1")

	path := filepath.Join(t.TempDir(), "events.parquet")
	n, err := ExportEvents(context.Background(), gw.store, path, EventQuery{})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("PAR1")))
	require.True(t, bytes.HasSuffix(data, []byte("PAR1")))

	n, err = ExportEvents(context.Background(), gw.store, filepath.Join(t.TempDir(), "empty.parquet"), EventQuery{After: 2})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRequestHashCoversMethodPathAndBody(t *testing.T) {
	base := hashRequest(http.MethodPost, "/escrows", []byte(`{"listingId":1}`))
	require.Len(t, base, 64)
	require.Equal(t, base, hashRequest("post", "/escrows", []byte(`{"listingId":1}`)))
	require.NotEqual(t, base, hashRequest(http.MethodPost, "/offers", []byte(`{"listingId":1}`)))
	require.NotEqual(t, base, hashRequest(http.MethodPost, "/escrows", []byte(`{"listingId":2}`)))
}
