package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/spacemeshos/certchain/logging"
)

var (
	ErrDigestMismatch  = errors.New("stored digest does not match block contents")
	ErrBrokenLink      = errors.New("previous hash does not match preceding block")
	ErrUnknownSealer   = errors.New("block sealed by an authority that is not active")
	ErrRecordsMismatch = errors.New("records digest does not match sealed records")
)

// IntegrityError is a violation of the chain invariants found at a block.
type IntegrityError struct {
	Index  uint64
	Reason error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("block %d: %v", e.Index, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return e.Reason
}

// Verify returns the first integrity violation found, or nil for a valid chain.
func (l *Ledger) Verify(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if errs := l.violations(true); len(errs) > 0 {
		logging.FromContext(ctx).Warn("chain is invalid", zap.Error(errs[0]))
		return errs[0]
	}
	return nil
}

func (l *Ledger) Validate(ctx context.Context) bool {
	return l.Verify(ctx) == nil
}

// Audit walks the whole chain and reports every violation.
func (l *Ledger) Audit(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var result *multierror.Error
	for _, err := range l.violations(false) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// violations must be called with the lock held. The genesis block is trusted
// as is. Sealers are checked against the registry as it is now.
func (l *Ledger) violations(firstOnly bool) []error {
	var errs []error
	for i := 1; i < len(l.chain); i++ {
		b, prev := l.chain[i], l.chain[i-1]
		var reasons []error
		if digest, err := b.ComputeDigest(); err != nil || digest != b.Digest {
			reasons = append(reasons, ErrDigestMismatch)
		}
		if b.Payload.Genesis == nil {
			if digest, err := digestRecords(b.Payload.Records); err != nil || digest != b.Payload.RecordsDigest {
				reasons = append(reasons, ErrRecordsMismatch)
			}
		}
		if b.PreviousHash != prev.Digest {
			reasons = append(reasons, ErrBrokenLink)
		}
		if !l.isActive(b.SealedBy) {
			reasons = append(reasons, ErrUnknownSealer)
		}
		for _, r := range reasons {
			errs = append(errs, &IntegrityError{Index: b.Index, Reason: r})
			if firstOnly {
				return errs
			}
		}
	}
	return errs
}
