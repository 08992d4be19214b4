// Package classify maps raw settlement errors onto a small set of error
// classes that drive the retry decision. Patterns are checked in order;
// the first match wins.
package classify

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ayo6706/payout-accumulator/internal/chain"
	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/exchange"
)

type rule struct {
	class     string
	retryable bool
	re        *regexp.Regexp
}

var rules = []rule{
	{domain.ErrClassInsufficientGas, false, regexp.MustCompile(`insufficient funds|insufficient.*balance|exceeds balance|not enough.*funds`)},
	{domain.ErrClassInvalidAddress, false, regexp.MustCompile(`invalid.*address|bad.*address|malformed.*address|checksum.*failed`)},
	{domain.ErrClassBelowMinimum, false, regexp.MustCompile(`below.*minimum|out of range|minimal amount|min amount`)},
	{domain.ErrClassNonceConflict, true, regexp.MustCompile(`nonce.*too low|nonce.*already|replacement.*underpriced`)},
	{domain.ErrClassRPCUnavailable, true, regexp.MustCompile(`timeout|timed.*out|connection.*(refused|failed|reset)|rpc.*(error|unavailable)|429|too many requests|rate.*limit|503|temporarily unavailable`)},
}

// Classify returns the error class and whether a bounded retry may help.
// Sentinel errors from the chain and exchange clients short-circuit the
// pattern table.
func Classify(err error) (string, bool) {
	if err == nil {
		return domain.ErrClassUnknown, false
	}
	switch {
	case errors.Is(err, chain.ErrInvalidAddress):
		return domain.ErrClassInvalidAddress, false
	case errors.Is(err, exchange.ErrBelowMinimum):
		return domain.ErrClassBelowMinimum, false
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if r.re.MatchString(msg) {
			return r.class, r.retryable
		}
	}
	return domain.ErrClassUnknown, false
}
