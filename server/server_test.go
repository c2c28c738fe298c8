package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipeknurercan/mintelligence/account"
	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/issuance"
	"github.com/ipeknurercan/mintelligence/metrics"
	"github.com/ipeknurercan/mintelligence/network"
	"github.com/ipeknurercan/mintelligence/resilience"
)

type fakeRewards struct {
	got issuance.RewardRequest
	res issuance.Result
}

func (f *fakeRewards) Issue(_ context.Context, req issuance.RewardRequest) issuance.Result {
	f.got = req
	return f.res
}

type fakeCertificates struct {
	got issuance.CertificateRequest
	res issuance.Result
}

func (f *fakeCertificates) Issue(_ context.Context, req issuance.CertificateRequest) issuance.Result {
	f.got = req
	res := f.res
	if res.Success {
		res.Certificate = &issuance.Certificate{ID: req.CertificateID, AssetCode: res.AssetCode, Issuer: "GISSUER", Metadata: req.Metadata}
	}
	return res
}

type fakeBalances struct {
	b account.Balances
}

func (f *fakeBalances) RewardBalances(_ context.Context, address string, n network.Network) account.Balances {
	b := f.b
	b.Address, b.Network = address, n
	return b
}

type fakeProbes struct {
	res account.ProbeResult
	err error
}

func (f *fakeProbes) Probe(context.Context, string, network.Network) (account.ProbeResult, error) {
	return f.res, f.err
}

type fakeBreakers map[network.Network]resilience.CircuitState

func (f fakeBreakers) BreakerState(n network.Network) resilience.CircuitState { return f[n] }

type fixture struct {
	rewards      *fakeRewards
	certificates *fakeCertificates
	balances     *fakeBalances
	probes       *fakeProbes
	breakers     fakeBreakers
	handler      http.Handler
}

var fixedNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	f := &fixture{
		rewards:      &fakeRewards{},
		certificates: &fakeCertificates{},
		balances:     &fakeBalances{},
		probes:       &fakeProbes{},
		breakers:     fakeBreakers{},
	}
	f.handler = New(Options{
		Table:        network.DefaultTable(),
		Rewards:      f.rewards,
		Certificates: f.certificates,
		Balances:     f.balances,
		Probes:       f.probes,
		Breakers:     f.breakers,
		Metrics:      metrics.NewCollector(),
		Issuer:       "GISSUER",
		Version:      "test",
		Metadata:     issuance.MetadataOptions{ImageBaseURL: "https://cdn.example.org/certs/"},
		Now:          func() time.Time { return fixedNow },
		NewID:        func() string { return "generated42" },
	}).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind failure.Kind
		want int
	}{
		{failure.KindValidation, http.StatusBadRequest},
		{failure.KindAccountNotFound, http.StatusBadRequest},
		{failure.KindAccountUnderfunded, http.StatusBadRequest},
		{failure.KindSubmission, http.StatusUnprocessableEntity},
		{failure.KindTransientNetwork, http.StatusServiceUnavailable},
		{failure.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestGetBalance(t *testing.T) {
	addr := keypair.MustRandom().Address()

	t.Run("success", func(t *testing.T) {
		f := newFixture()
		f.balances.b = account.Balances{Native: "12.5000000", Custom: "50.0000000"}
		rec, body := f.do(t, http.MethodPost, "/api/get-balance", `{"address":"`+addr+`","network":"mainnet"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "12.5000000", body["xlm"])
		assert.Equal(t, "50.0000000", body["mint"])
		assert.Equal(t, "mainnet", body["network"])
	})

	t.Run("lookup failure degrades to zero", func(t *testing.T) {
		f := newFixture()
		f.balances.b = account.Balances{Native: "0", Custom: "0", Error: failure.New(failure.KindAccountNotFound, "Account not found")}
		rec, body := f.do(t, http.MethodPost, "/api/get-balance", `{"address":"`+addr+`"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "0", body["xlm"])
		assert.Equal(t, "0", body["mint"])
		assert.Equal(t, "Account not found", body["error"])
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture()
		for _, payload := range []string{`{}`, `{"address":"GSHORT"}`, `{"address":"` + addr + `","network":"futurenet"}`, `not json`} {
			rec, body := f.do(t, http.MethodPost, "/api/get-balance", payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code, payload)
			assert.Equal(t, "validation", body["kind"], payload)
		}
	})
}

func TestSendToken(t *testing.T) {
	recipient := keypair.MustRandom().Address()

	t.Run("success accepts numeric amount", func(t *testing.T) {
		f := newFixture()
		f.rewards.res = issuance.Result{Success: true, TransactionHash: "abc", AssetCode: "MINT", Sequence: 7, Ledger: 99, State: issuance.StateConfirmed}
		rec, body := f.do(t, http.MethodPost, "/api/send-token", `{"recipientAddress":"`+recipient+`","amount":10,"network":"testnet"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", f.rewards.got.Amount)
		assert.Equal(t, network.Test, f.rewards.got.Network)
		assert.Equal(t, "abc", body["transactionHash"])
		assert.Equal(t, "Successfully sent 10 MINT tokens", body["message"])
		assert.Equal(t, "CONFIRMED", body["state"])
	})

	t.Run("missing fields", func(t *testing.T) {
		f := newFixture()
		rec, body := f.do(t, http.MethodPost, "/api/send-token", `{"amount":"1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Missing recipientAddress or amount", body["error"])
	})

	t.Run("failure kinds map to status", func(t *testing.T) {
		tests := []struct {
			fe   *failure.Error
			want int
		}{
			{failure.New(failure.KindAccountUnderfunded, account.ReasonUnderfunded), http.StatusBadRequest},
			{&failure.Error{Kind: failure.KindSubmission, Reason: "sequence conflict", ResultCodes: []string{"tx_bad_seq"}}, http.StatusUnprocessableEntity},
			{failure.New(failure.KindTransientNetwork, "outcome unknown"), http.StatusServiceUnavailable},
			{failure.Internal(nil), http.StatusInternalServerError},
		}
		for _, tt := range tests {
			f := newFixture()
			f.rewards.res = issuance.Result{TransactionHash: "deadbeef", State: issuance.StateFailed, Error: tt.fe}
			rec, body := f.do(t, http.MethodPost, "/api/send-token", `{"recipientAddress":"`+recipient+`","amount":"1"}`)
			assert.Equal(t, tt.want, rec.Code, tt.fe.Kind)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.fe.Reason, body["error"])
			assert.Equal(t, "deadbeef", body["transactionHash"])
		}
	})
}

func TestMintNFT(t *testing.T) {
	recipient := keypair.MustRandom().Address()

	t.Run("generates id and metadata", func(t *testing.T) {
		f := newFixture()
		f.certificates.res = issuance.Result{Success: true, TransactionHash: "h", AssetCode: "CERTGENERATE", State: issuance.StateConfirmed}
		rec, body := f.do(t, http.MethodPost, "/api/mint-nft",
			`{"recipientAddress":"`+recipient+`","certificateData":{"completedQuizzes":5,"totalScore":90}}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "generated42", f.certificates.got.CertificateID)
		assert.Equal(t, network.Test, f.certificates.got.Network)
		assert.Equal(t, "generated42", body["certificateId"])
		assert.Equal(t, "CERTGENERATE", body["assetCode"])
		assert.Equal(t, "GISSUER", body["issuer"])

		meta := f.certificates.got.Metadata
		assert.Equal(t, "https://cdn.example.org/certs/generated42.png", meta.Image)
		assert.Contains(t, meta.Attributes, issuance.Attribute{TraitType: "Score", Value: "90"})
		assert.Contains(t, meta.Attributes, issuance.Attribute{TraitType: "Date Earned", Value: "2025-06-10T12:00:00Z"})
	})

	t.Run("uses supplied id", func(t *testing.T) {
		f := newFixture()
		f.certificates.res = issuance.Result{Success: true, AssetCode: "CERT17180000"}
		rec, _ := f.do(t, http.MethodPost, "/api/mint-nft",
			`{"recipientAddress":"`+recipient+`","certificateId":"1718000000000","certificateData":{"completedQuizzes":1},"network":"mainnet"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1718000000000", f.certificates.got.CertificateID)
		assert.Equal(t, network.Production, f.certificates.got.Network)
	})

	t.Run("missing certificate data", func(t *testing.T) {
		f := newFixture()
		rec, body := f.do(t, http.MethodPost, "/api/mint-nft", `{"recipientAddress":"`+recipient+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Missing recipientAddress or certificateData", body["error"])
		assert.Empty(t, f.certificates.got.Recipient)
	})
}

func TestAccountProbe(t *testing.T) {
	addr := keypair.MustRandom().Address()

	f := newFixture()
	f.probes.res = account.ProbeResult{Exists: true, Funded: false, NativeBalance: "0.5000000"}
	rec, body := f.do(t, http.MethodGet, "/api/accounts/"+addr+"?network=testnet", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["exists"])
	assert.Equal(t, false, body["funded"])
	assert.Equal(t, addr, body["address"])

	f.probes.err = failure.New(failure.KindTransientNetwork, "ledger network unavailable, please retry")
	rec, _ = f.do(t, http.MethodGet, "/api/accounts/"+addr, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTrustline(t *testing.T) {
	f := newFixture()

	rec, body := f.do(t, http.MethodGet, "/api/trustline-info?network=mainnet", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, network.RewardAssetCode, body["code"])
	assert.Equal(t, network.DefaultRewardIssuer, body["issuer"])
	assert.Equal(t, "Public Global Stellar Network ; September 2015", body["networkPassphrase"])

	rec, body = f.do(t, http.MethodPost, "/api/trustline", `{"network":"testnet"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.NotNil(t, body["trustline"])

	for _, in := range []string{`{"network":`, `{"network":"futurenet"}`} {
		rec, body = f.do(t, http.MethodPost, "/api/trustline", in)
		assert.Equal(t, http.StatusBadRequest, rec.Code, in)
		assert.Equal(t, string(failure.KindValidation), body["kind"], in)
		assert.Nil(t, body["trustline"], in)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(t, http.MethodOptions, "/api/send-token", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture()
	rec, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "GISSUER", body["issuer"])

	f.breakers[network.Production] = resilience.StateOpen
	_, body = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, "degraded", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	f.handler.ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), "go_goroutines")
}

func TestIssuanceRateLimit(t *testing.T) {
	rewards := &fakeRewards{res: issuance.Result{Success: true, AssetCode: "MINT", State: issuance.StateConfirmed}}
	h := New(Options{
		Table:      network.DefaultTable(),
		Rewards:    rewards,
		Balances:   &fakeBalances{},
		IssueRate:  0.001,
		IssueBurst: 1,
	}).Handler()

	body := `{"recipientAddress":"` + keypair.MustRandom().Address() + `","amount":"1"}`
	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/send-token", strings.NewReader(body))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:5678"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1234"))

	// balance reads are not limited
	req := httptest.NewRequest(http.MethodPost, "/api/get-balance", strings.NewReader(`{"address":"`+keypair.MustRandom().Address()+`"}`))
	req.RemoteAddr = "10.0.0.1:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIssuanceRateLimit_IgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	rewards := &fakeRewards{res: issuance.Result{Success: true, AssetCode: "MINT", State: issuance.StateConfirmed}}
	h := New(Options{
		Table:      network.DefaultTable(),
		Rewards:    rewards,
		Balances:   &fakeBalances{},
		IssueRate:  0.001,
		IssueBurst: 1,
	}).Handler()

	body := `{"recipientAddress":"` + keypair.MustRandom().Address() + `","amount":"1"}`
	allowed := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/send-token", strings.NewReader(body))
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("1.2.3.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestClientAddress(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("192.0.2.1/32")}
	tests := []struct {
		name    string
		remote  string
		xff     []string
		trusted []netip.Prefix
		want    string
	}{
		{"no proxies configured", "203.0.113.9:1", []string{"1.1.1.1"}, nil, "203.0.113.9"},
		{"untrusted peer", "203.0.113.9:1", []string{"1.1.1.1"}, trusted, "203.0.113.9"},
		{"trusted peer", "10.0.0.5:1", []string{"203.0.113.20"}, trusted, "203.0.113.20"},
		{"spoofed prefix", "10.0.0.5:1", []string{"6.6.6.6, 203.0.113.20"}, trusted, "203.0.113.20"},
		{"proxy chain", "10.0.0.5:1", []string{"6.6.6.6, 203.0.113.20, 192.0.2.1"}, trusted, "203.0.113.20"},
		{"repeated headers", "10.0.0.5:1", []string{"6.6.6.6", "203.0.113.20"}, trusted, "203.0.113.20"},
		{"all hops trusted", "10.0.0.5:1", []string{"10.0.0.9, 192.0.2.1"}, trusted, "10.0.0.9"},
		{"trusted peer without header", "10.0.0.5:1", nil, trusted, "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/send-token", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, clientAddress(req, tt.trusted))
		})
	}
}

func TestClientLimiter_EvictsLeastRecentlySeen(t *testing.T) {
	l := newClientLimiter(0.001, 1, 2)

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("b"))
	assert.False(t, l.allow("a"))

	// A third client pushes out b only; a keeps its exhausted bucket.
	assert.True(t, l.allow("c"))
	assert.False(t, l.allow("a"))
	assert.False(t, l.allow("c"))
	assert.True(t, l.allow("b"))
}
