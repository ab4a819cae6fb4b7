// Package orders provides client order ID generation for idempotent order
// placement.
package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"binance-futures-engine/internal/cache"
)

// MaxClientOrderIDLength is the maximum length the exchange accepts.
const MaxClientOrderIDLength = 36

// Kind is the order role encoded in the ID suffix.
type Kind string

const (
	KindEntry Kind = "E"
	KindExit  Kind = "X"
	KindStop  Kind = "SL"
	KindTake  Kind = "TP"
)

var ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")

// Generator produces client order IDs. Signal-driven IDs are deterministic
// over (strategy, symbol, side, candle close time) so a retried placement
// of the same signal reuses the same ID and the exchange deduplicates it.
// Sequence IDs for non-signal orders come from a Redis daily counter with a
// random fallback when Redis is down.
type Generator struct {
	cacheService *cache.Service
	scope        string
}

// NewGenerator creates a generator. cacheService may be nil; sequence IDs
// then always use the random fallback.
func NewGenerator(cacheService *cache.Service, scope string) *Generator {
	if scope == "" {
		scope = "default"
	}
	return &Generator{cacheService: cacheService, scope: scope}
}

// SignalID derives the deterministic ID for a signal-driven order.
// Format: <KIND>-<strategy8>-<digest12>, at most 23 characters.
func SignalID(kind Kind, strategyID, symbol, side string, candleCloseTime int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", strategyID, symbol, side, candleCloseTime)))
	digest := hex.EncodeToString(h[:])[:12]
	return fmt.Sprintf("%s-%s-%s", kind, sanitizeTag(strategyID, 8), digest)
}

// SequenceID generates a daily-sequence ID for orders not tied to a signal
// candle (manual closes, protective orders placed out of band).
// Format: <KIND>-<DDMMM>-<NNNNN> or <KIND>-R-<hex8> on Redis fallback.
func (g *Generator) SequenceID(ctx context.Context, kind Kind) string {
	now := time.Now().UTC()
	dateStr := strings.ToUpper(now.Format("02Jan"))

	if g.cacheService != nil {
		dateKey := now.Format("20060102")
		if seq, err := g.cacheService.IncrementDailySequence(ctx, g.scope, dateKey); err == nil {
			return fmt.Sprintf("%s-%s-%05d", kind, dateStr, seq)
		}
	}
	return fmt.Sprintf("%s-R-%s", kind, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Validate checks an ID against the exchange's length limit.
func Validate(id string) error {
	if id == "" {
		return errors.New("client order ID is empty")
	}
	if len(id) > MaxClientOrderIDLength {
		return fmt.Errorf("%w: %q is %d characters", ErrClientOrderIDTooLong, id, len(id))
	}
	return nil
}

// sanitizeTag keeps alphanumerics from s up to n characters, so free-form
// strategy IDs stay within the exchange's character set.
func sanitizeTag(s string, n int) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() >= n {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
