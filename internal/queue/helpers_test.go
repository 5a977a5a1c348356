package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"flash_sale_pipeline/internal/model"

	"github.com/stretchr/testify/require"
)

// recordingHandler 按调用顺序返回预设结果，之后一律 Settled。
type recordingHandler struct {
	mu        sync.Mutex
	outcomes  []Outcome
	events    []SettlementEvent
	malformed [][]byte
	errs      []error
}

func (h *recordingHandler) next() Outcome {
	if len(h.outcomes) == 0 {
		return Settled
	}
	o := h.outcomes[0]
	h.outcomes = h.outcomes[1:]
	return o
}

func (h *recordingHandler) HandleSettlement(_ context.Context, ev SettlementEvent) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.next()
}

func (h *recordingHandler) HandleMalformed(_ context.Context, raw []byte, err error) Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.malformed = append(h.malformed, raw)
	h.errs = append(h.errs, err)
	return Discarded
}

func (h *recordingHandler) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func testEvent(t *testing.T, orderID string) SettlementEvent {
	t.Helper()
	ev := NewSettlementEvent(model.Reservation{
		OrderID:   orderID,
		ProductID: 1,
		UserID:    42,
		Token:     "tok-" + orderID,
		Amount:    990,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, ev.Validate())
	return ev
}
