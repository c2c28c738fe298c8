package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/stellar/go/clients/horizonclient"

	"github.com/ipeknurercan/mintelligence/failure"
)

// Horizon result codes with a dedicated, user-facing reason.
const (
	CodeBadSeq              = "tx_bad_seq"
	CodeTooLate             = "tx_too_late"
	CodeTooEarly            = "tx_too_early"
	CodeInsufficientFee     = "tx_insufficient_fee"
	CodeInsufficientBalance = "tx_insufficient_balance"
	CodeNoTrust             = "op_no_trust"
	CodeUnderfunded         = "op_underfunded"
	CodeNoDestination       = "op_no_destination"
	CodeLineFull            = "op_line_full"
	CodeNotAuthorized       = "op_not_authorized"
)

// ReasonAccountNotFound is returned for Horizon 404s on account loads.
const ReasonAccountNotFound = "Account not found"

// ReasonOutcomeUnknown is returned when a submission was sent but no verdict came back.
const ReasonOutcomeUnknown = "ledger did not confirm the transaction in time; outcome unknown, check the transaction hash before retrying"

var (
	// ErrOutcomeUnknown marks submissions that may or may not have been applied.
	ErrOutcomeUnknown = errors.New("submission outcome unknown")
	// ErrTransactionNotFound is returned by transaction lookups for hashes Horizon has not ingested.
	ErrTransactionNotFound = errors.New("transaction not found")
)

var codeReasons = map[string]string{
	CodeBadSeq:              "sequence conflict: another transaction from the issuing account was applied first",
	CodeTooLate:             "transaction expired before it was included in a ledger",
	CodeTooEarly:            "transaction validity window has not started yet",
	CodeInsufficientFee:     "network fee too low for current ledger load",
	CodeInsufficientBalance: "issuing account does not hold enough XLM to pay fees",
	CodeNoTrust:             "recipient has no trust line for this asset; the recipient must add one first",
	CodeUnderfunded:         "issuing account does not hold enough of the asset being sent",
	CodeNoDestination:       "recipient account does not exist on the ledger",
	CodeLineFull:            "recipient trust line limit would be exceeded",
	CodeNotAuthorized:       "recipient is not authorized to hold this asset",
}

// Call names used for metrics and classification.
const (
	CallAccountDetail = "account_detail"
	CallSubmit        = "submit_transaction"
	CallTransaction   = "transaction_detail"
)

// Classify turns an error returned by horizonclient into a tagged failure.
// call selects how ambiguous statuses are read: a 504 on submit means the outcome is
// unknown, a 400 on submit is a rejection, a 400 on a read is an internal fault.
func Classify(err error, call string) *failure.Error {
	if err == nil {
		return nil
	}

	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe
	}

	fe = classify(err, call)
	if call == CallSubmit && fe.Kind == failure.KindTransientNetwork && !rateLimited(err) {
		// The request left the process; the ledger may still apply it.
		return failure.Wrap(fmt.Errorf("%w: %w", ErrOutcomeUnknown, err), failure.KindTransientNetwork, ReasonOutcomeUnknown)
	}
	return fe
}

// IsOutcomeUnknown reports whether err is a submission whose result was never seen.
func IsOutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown)
}

// IsTransactionNotFound reports whether a transaction lookup found nothing.
func IsTransactionNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound)
}

func rateLimited(err error) bool {
	var hErr *horizonclient.Error
	return errors.As(err, &hErr) && httpStatus(hErr) == 429
}

func httpStatus(hErr *horizonclient.Error) int {
	if hErr.Problem.Status == 0 && hErr.Response != nil {
		return hErr.Response.StatusCode
	}
	return hErr.Problem.Status
}

func classify(err error, call string) *failure.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return failure.Wrap(err, failure.KindTransientNetwork, "ledger request timed out, please retry")
	}

	var hErr *horizonclient.Error
	if errors.As(err, &hErr) {
		return classifyHorizon(err, hErr, call)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return failure.Wrap(err, failure.KindTransientNetwork, "ledger network unreachable, please retry")
	}

	return failure.Internal(err)
}

func classifyHorizon(err error, hErr *horizonclient.Error, call string) *failure.Error {
	status := httpStatus(hErr)

	if status == 404 || strings.HasSuffix(hErr.Problem.Type, "/not_found") {
		if call == CallTransaction {
			return failure.Wrap(fmt.Errorf("%w: %w", ErrTransactionNotFound, err), failure.KindTransientNetwork, "transaction not found on the ledger yet")
		}
		return failure.Wrap(err, failure.KindAccountNotFound, ReasonAccountNotFound)
	}

	if codes, cerr := hErr.ResultCodes(); cerr == nil && codes != nil {
		all := make([]string, 0, 1+len(codes.OperationCodes))
		all = append(all, codes.TransactionCode)
		if codes.InnerTransactionCode != "" {
			all = append(all, codes.InnerTransactionCode)
		}
		all = append(all, codes.OperationCodes...)

		fe := failure.Wrap(err, failure.KindSubmission, submissionReason(all))
		fe.ResultCodes = all
		fe.Detail = hErr.Problem.Detail
		return fe
	}

	switch {
	case status == 504 && call == CallSubmit:
		return failure.Wrap(err, failure.KindTransientNetwork, ReasonOutcomeUnknown)
	case status == 429:
		return failure.Wrap(err, failure.KindTransientNetwork, "ledger rate limit reached, please retry shortly")
	case status >= 500:
		return failure.Wrap(err, failure.KindTransientNetwork, "ledger network unavailable, please retry")
	case status == 400 && call == CallSubmit:
		fe := failure.Wrap(err, failure.KindSubmission, "transaction rejected by the ledger")
		fe.Detail = problemDetail(hErr)
		return fe
	}

	return failure.Internal(err)
}

func problemDetail(hErr *horizonclient.Error) string {
	if hErr.Problem.Detail != "" {
		return hErr.Problem.Detail
	}
	return hErr.Problem.Title
}

// submissionReason picks the most specific reason for a list of result codes,
// preferring operation codes over the generic tx_failed.
func submissionReason(codes []string) string {
	for i := len(codes) - 1; i >= 0; i-- {
		if r, ok := codeReasons[codes[i]]; ok {
			return r
		}
	}
	return fmt.Sprintf("transaction rejected by the ledger (%s)", strings.Join(nonEmpty(codes), ", "))
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsSequenceConflict reports whether err is a tx_bad_seq rejection.
func IsSequenceConflict(err error) bool {
	fe := failure.From(err)
	if fe == nil || fe.Kind != failure.KindSubmission {
		return false
	}
	for _, c := range fe.ResultCodes {
		if c == CodeBadSeq {
			return true
		}
	}
	return false
}
