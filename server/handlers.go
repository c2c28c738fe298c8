package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ipeknurercan/mintelligence/account"
	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/issuance"
	"github.com/ipeknurercan/mintelligence/network"
	"github.com/ipeknurercan/mintelligence/resilience"
)

const maxBodyBytes = 64 << 10

// amountField accepts both "10" and 10 so web clients can send either.
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountField(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = amountField(n.String())
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) *failure.Error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		return failure.Validation("Invalid JSON body")
	}
	return nil
}

func parseNetwork(s string) (network.Network, *failure.Error) {
	n, err := network.Parse(s)
	if err != nil {
		return "", failure.From(err)
	}
	return n, nil
}

type balanceRequest struct {
	Address string `json:"address"`
	Network string `json:"network"`
}

type balanceResponse struct {
	Success bool   `json:"success"`
	XLM     string `json:"xlm"`
	Mint    string `json:"mint"`
	Address string `json:"address,omitempty"`
	Network string `json:"network,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// handleGetBalance reports native and reward balances. Lookup failures are not HTTP
// errors: the body carries zero balances and the reason, so the UI can still render.
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
	if fe := decodeBody(w, r, &req); fe != nil {
		respondFailure(w, fe)
		return
	}
	if err := account.ValidateAddress(req.Address); err != nil {
		respondFailure(w, failure.From(err))
		return
	}
	n, fe := parseNetwork(req.Network)
	if fe != nil {
		respondFailure(w, fe)
		return
	}

	b := s.opts.Balances.RewardBalances(r.Context(), req.Address, n)
	if b.Error != nil {
		respondJSON(w, http.StatusOK, balanceResponse{
			XLM:   account.ZeroBalance,
			Mint:  account.ZeroBalance,
			Error: b.Error.Reason,
			Kind:  string(b.Error.Kind),
		})
		return
	}
	respondJSON(w, http.StatusOK, balanceResponse{
		Success: true,
		XLM:     b.Native,
		Mint:    b.Custom,
		Address: req.Address,
		Network: n.Alias(),
	})
}

type sendTokenRequest struct {
	RecipientAddress string      `json:"recipientAddress"`
	Amount           amountField `json:"amount"`
	Network          string      `json:"network"`
}

type sendTokenResponse struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message"`
	TransactionHash string         `json:"transactionHash"`
	Recipient       string         `json:"recipient"`
	Amount          string         `json:"amount"`
	AssetCode       string         `json:"assetCode"`
	Network         string         `json:"network"`
	Sequence        int64          `json:"sequence"`
	Ledger          int32          `json:"ledger"`
	State           issuance.State `json:"state"`
}

func (s *Server) handleSendToken(w http.ResponseWriter, r *http.Request) {
	var req sendTokenRequest
	if fe := decodeBody(w, r, &req); fe != nil {
		respondFailure(w, fe)
		return
	}
	if req.RecipientAddress == "" || req.Amount == "" {
		respondFailure(w, failure.Validation("Missing recipientAddress or amount"))
		return
	}
	n, fe := parseNetwork(req.Network)
	if fe != nil {
		respondFailure(w, fe)
		return
	}

	res := s.opts.Rewards.Issue(r.Context(), issuance.RewardRequest{
		Recipient: req.RecipientAddress,
		Amount:    string(req.Amount),
		Network:   n,
	})
	if !res.Success {
		respondResultFailure(w, res)
		return
	}
	respondJSON(w, http.StatusOK, sendTokenResponse{
		Success:         true,
		Message:         fmt.Sprintf("Successfully sent %s %s tokens", req.Amount, res.AssetCode),
		TransactionHash: res.TransactionHash,
		Recipient:       req.RecipientAddress,
		Amount:          string(req.Amount),
		AssetCode:       res.AssetCode,
		Network:         n.Alias(),
		Sequence:        res.Sequence,
		Ledger:          res.Ledger,
		State:           res.State,
	})
}

type mintRequest struct {
	RecipientAddress string                `json:"recipientAddress"`
	CertificateData  *issuance.Achievement `json:"certificateData"`
	CertificateID    string                `json:"certificateId"`
	Network          string                `json:"network"`
}

type mintResponse struct {
	Success         bool              `json:"success"`
	Message         string            `json:"message"`
	TransactionHash string            `json:"transactionHash"`
	CertificateID   string            `json:"certificateId"`
	AssetCode       string            `json:"assetCode"`
	Issuer          string            `json:"issuer"`
	Recipient       string            `json:"recipient"`
	Metadata        issuance.Metadata `json:"metadata"`
	Network         string            `json:"network"`
	Sequence        int64             `json:"sequence"`
	Ledger          int32             `json:"ledger"`
	State           issuance.State    `json:"state"`
}

func (s *Server) handleMintNFT(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if fe := decodeBody(w, r, &req); fe != nil {
		respondFailure(w, fe)
		return
	}
	if req.RecipientAddress == "" || req.CertificateData == nil {
		respondFailure(w, failure.Validation("Missing recipientAddress or certificateData"))
		return
	}
	if req.CertificateData.CompletedQuizzes < 0 {
		respondFailure(w, failure.Validation("completedQuizzes must not be negative"))
		return
	}
	n, fe := parseNetwork(req.Network)
	if fe != nil {
		respondFailure(w, fe)
		return
	}

	id := strings.TrimSpace(req.CertificateID)
	if id == "" {
		id = s.opts.NewID()
	}
	meta := issuance.BuildMetadata(id, *req.CertificateData, n, s.opts.Now(), s.opts.Metadata)

	res := s.opts.Certificates.Issue(r.Context(), issuance.CertificateRequest{
		Recipient:     req.RecipientAddress,
		CertificateID: id,
		Metadata:      meta,
		Network:       n,
	})
	if !res.Success {
		respondResultFailure(w, res)
		return
	}

	issuer := s.opts.Issuer
	if res.Certificate != nil {
		issuer = res.Certificate.Issuer
	}
	respondJSON(w, http.StatusOK, mintResponse{
		Success:         true,
		Message:         "NFT certificate successfully created",
		TransactionHash: res.TransactionHash,
		CertificateID:   id,
		AssetCode:       res.AssetCode,
		Issuer:          issuer,
		Recipient:       req.RecipientAddress,
		Metadata:        meta,
		Network:         n.Alias(),
		Sequence:        res.Sequence,
		Ledger:          res.Ledger,
		State:           res.State,
	})
}

type accountResponse struct {
	Address string `json:"address"`
	Network string `json:"network"`
	account.ProbeResult
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	n, fe := parseNetwork(r.URL.Query().Get("network"))
	if fe != nil {
		respondFailure(w, fe)
		return
	}

	res, err := s.opts.Probes.Probe(r.Context(), address, n)
	if err != nil {
		respondFailure(w, failure.From(err))
		return
	}
	respondJSON(w, http.StatusOK, accountResponse{Address: address, Network: n.Alias(), ProbeResult: res})
}

type trustlineInfo struct {
	Asset             string `json:"asset"`
	Code              string `json:"code"`
	Issuer            string `json:"issuer"`
	Network           string `json:"network"`
	NetworkPassphrase string `json:"networkPassphrase"`
}

func (s *Server) trustlineInfo(n network.Network) (trustlineInfo, *failure.Error) {
	settings, err := s.opts.Table.Lookup(n)
	if err != nil {
		return trustlineInfo{}, failure.From(err)
	}
	return trustlineInfo{
		Asset:             settings.RewardAsset.String(),
		Code:              settings.RewardAsset.Code,
		Issuer:            settings.RewardAsset.Issuer,
		Network:           n.Alias(),
		NetworkPassphrase: settings.Passphrase,
	}, nil
}

// handleTrustlineInfo tells a wallet what it needs to add the reward trust line itself.
func (s *Server) handleTrustlineInfo(w http.ResponseWriter, r *http.Request) {
	n, fe := parseNetwork(r.URL.Query().Get("network"))
	if fe != nil {
		respondFailure(w, fe)
		return
	}
	info, fe := s.trustlineInfo(n)
	if fe != nil {
		respondFailure(w, fe)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// handleTrustline always refuses: a trust line must be signed by the recipient, and
// the service never handles learners' keys.
func (s *Server) handleTrustline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Network string `json:"network"`
	}
	if fe := decodeBody(w, r, &body); fe != nil {
		respondFailure(w, fe)
		return
	}
	n, fe := parseNetwork(body.Network)
	if fe != nil {
		respondFailure(w, fe)
		return
	}
	info, fe := s.trustlineInfo(n)
	if fe != nil {
		respondFailure(w, fe)
		return
	}

	respondJSON(w, http.StatusBadRequest, struct {
		errorResponse
		Trustline trustlineInfo `json:"trustline"`
	}{
		errorResponse: errorResponse{
			Error: "Trust lines must be created and signed from the recipient's own wallet",
			Kind:  failure.KindValidation,
		},
		Trustline: info,
	})
}

type networkHealth struct {
	HorizonURL string `json:"horizon_url"`
	Circuit    string `json:"circuit"`
}

type healthResponse struct {
	Status   string                   `json:"status"`
	Version  string                   `json:"version,omitempty"`
	Issuer   string                   `json:"issuer"`
	Uptime   string                   `json:"uptime"`
	Networks map[string]networkHealth `json:"networks"`
	Metrics  interface{}              `json:"metrics"`
}

// handleHealth reports "degraded" while any network's circuit is open.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	nets := make(map[string]networkHealth)
	for _, n := range s.opts.Table.Networks() {
		settings, _ := s.opts.Table.Lookup(n)
		state := resilience.StateClosed
		if s.opts.Breakers != nil {
			state = s.opts.Breakers.BreakerState(n)
		}
		if state == resilience.StateOpen {
			status = "degraded"
		}
		nets[string(n)] = networkHealth{HorizonURL: settings.HorizonURL, Circuit: state.String()}
	}

	respondJSON(w, http.StatusOK, healthResponse{
		Status:   status,
		Version:  s.opts.Version,
		Issuer:   s.opts.Issuer,
		Uptime:   s.opts.Now().Sub(s.start).Round(time.Second).String(),
		Networks: nets,
		Metrics:  s.opts.Metrics.Snapshot(),
	})
}
