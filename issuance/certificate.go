package issuance

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/failure"
	"github.com/ipeknurercan/mintelligence/network"
)

const (
	// MaxAssetCodeLength is the longest asset code the ledger accepts.
	MaxAssetCodeLength = 12
	// MaxMemoTextBytes is the ledger's limit for text memos.
	MaxMemoTextBytes = 28

	DefaultCodePrefix = "CERT"
	DefaultMemoPrefix = "Certificate "
	DefaultHomeDomain = "mintelligence.app"
)

// Certificate is an issued non-fungible certificate.
type Certificate struct {
	ID        string   `json:"id"`
	AssetCode string   `json:"assetCode"`
	Issuer    string   `json:"issuer"`
	Metadata  Metadata `json:"metadata"`
}

// CertificateRequest asks for a certificate to be minted to Recipient.
type CertificateRequest struct {
	Recipient     string
	CertificateID string
	Metadata      Metadata
	Network       network.Network
}

// CertificateOptions tune code derivation and the home-domain operation.
type CertificateOptions struct {
	CodePrefix string
	MemoPrefix string
	HomeDomain string
}

// CertificateIssuer mints a unique asset per certificate and transfers the single unit
// to the learner in the same transaction.
type CertificateIssuer struct {
	deps   Deps
	opts   CertificateOptions
	logger *zap.Logger
}

// NewCertificateIssuer creates a CertificateIssuer, filling in default options.
func NewCertificateIssuer(deps Deps, opts CertificateOptions) *CertificateIssuer {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.CodePrefix == "" {
		opts.CodePrefix = DefaultCodePrefix
	}
	if opts.MemoPrefix == "" {
		opts.MemoPrefix = DefaultMemoPrefix
	}
	if opts.HomeDomain == "" {
		opts.HomeDomain = DefaultHomeDomain
	}
	return &CertificateIssuer{deps: deps, opts: opts, logger: deps.Logger.With(zap.String("component", "certificate_issuer"))}
}

// Issue derives the certificate's asset code, probes the recipient, and submits a
// transaction with two operations in this order: a payment of exactly one unit of the
// new asset to the recipient, then a home-domain update on the issuing account.
//
// Issuing the same certificate id twice mints a second unit of the same asset.
func (c *CertificateIssuer) Issue(ctx context.Context, req CertificateRequest) Result {
	start := time.Now()
	m := newMachine(c.logger.With(
		zap.String("network", string(req.Network)),
		zap.String("recipient", req.Recipient),
		zap.String("certificate_id", req.CertificateID)))

	res := c.issue(ctx, req, m)
	res.State = m.State()
	if res.Success {
		res.Certificate = &Certificate{
			ID:        req.CertificateID,
			AssetCode: res.AssetCode,
			Issuer:    c.deps.Issuer,
			Metadata:  req.Metadata,
		}
	}
	record(c.deps.Metrics, OperationCertificate, req.Network, res, time.Since(start))
	return res
}

func (c *CertificateIssuer) issue(ctx context.Context, req CertificateRequest, m *machine) Result {
	if _, err := c.deps.Table.Lookup(req.Network); err != nil {
		return rejected(m, err)
	}
	if err := validateRecipient(req.Recipient, c.deps.Issuer); err != nil {
		return rejected(m, err)
	}
	code, err := DeriveAssetCode(c.opts.CodePrefix, req.CertificateID)
	if err != nil {
		return rejected(m, err)
	}
	m.to(StateValidated)

	if _, err := c.deps.Prober.RequireFunded(ctx, req.Recipient, req.Network); err != nil {
		res := rejected(m, err)
		res.AssetCode = code
		return res
	}
	m.to(StateProbed)

	return c.deps.Runner.Do(ctx, Plan{
		Operation: OperationCertificate,
		Network:   req.Network,
		Memo:      CertificateMemo(c.opts.MemoPrefix, req.CertificateID),
		AssetCode: code,
		Instructions: []Instruction{
			IssueAsset{Code: code, Recipient: req.Recipient, Amount: "1"},
			PublishHomeDomain{Domain: c.opts.HomeDomain},
		},
	}, m)
}

// DeriveAssetCode builds a certificate asset code from prefix and id: characters
// outside [A-Za-z0-9] are dropped, letters are upper-cased, and the result is cut to 12
// characters. The same inputs always give the same code.
func DeriveAssetCode(prefix, id string) (string, error) {
	sanitizedID := sanitize(id)
	if sanitizedID == "" {
		return "", failure.Validation("Certificate id must contain at least one letter or digit")
	}
	code := sanitize(prefix) + sanitizedID
	if len(code) > MaxAssetCodeLength {
		code = code[:MaxAssetCodeLength]
	}
	return code, nil
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	return b.String()
}

// CertificateMemo is prefix+id cut to the memo limit on a rune boundary.
func CertificateMemo(prefix, id string) string {
	return truncateUTF8(prefix+id, MaxMemoTextBytes)
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
