package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kizuna/internal/eventbus"
	"github.com/ashita-ai/kizuna/internal/model"
)

// HandleHealthStream handles GET /v1/streams/health?domain=.
func (h *Handlers) HandleHealthStream(w http.ResponseWriter, r *http.Request) {
	domain, err := queryDomain(r, "domain")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.stream(w, r, domainFilter(domain), eventbus.TopicHealth)
}

// HandleBudgetAlertStream handles GET /v1/streams/budget-alerts?domain=.
func (h *Handlers) HandleBudgetAlertStream(w http.ResponseWriter, r *http.Request) {
	domain, err := queryDomain(r, "domain")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.stream(w, r, domainFilter(domain), eventbus.TopicBudgetAlert)
}

// HandleCostAlertStream handles GET /v1/streams/cost-alerts?threshold_usd=.
// Only alerts whose projected spend reaches the threshold are delivered.
func (h *Handlers) HandleCostAlertStream(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryFloat(r, "threshold_usd")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if threshold == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "threshold_usd is required")
		return
	}
	floor := *threshold
	h.stream(w, r, func(e eventbus.Event) bool {
		a, ok := e.Payload.(model.CostAlert)
		return ok && a.ProjectedUSD >= floor
	}, eventbus.TopicCostAlert)
}

// HandleCostUpdateStream handles GET /v1/streams/cost-updates?threshold=&domain=.
// A threshold drops updates whose operation cost is below it.
func (h *Handlers) HandleCostUpdateStream(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryFloat(r, "threshold")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	domain, err := queryDomain(r, "domain")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	byDomain := domainFilter(domain)
	h.stream(w, r, func(e eventbus.Event) bool {
		if byDomain != nil && !byDomain(e) {
			return false
		}
		if threshold == nil {
			return true
		}
		u, ok := e.Payload.(model.CostUpdate)
		return ok && u.OperationCost >= *threshold
	}, eventbus.TopicCostUpdate)
}

func domainFilter(domain *string) eventbus.Filter {
	if domain == nil {
		return nil
	}
	d := *domain
	return func(e eventbus.Event) bool { return e.Domain == d }
}

// stream writes bus events as Server-Sent Events until the client goes
// away or the bus closes. The subscriber's queue is bounded; a client that
// falls behind loses its oldest events, never blocking the engine.
func (h *Handlers) stream(w http.ResponseWriter, r *http.Request, filter eventbus.Filter, topics ...eventbus.Topic) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	bus := h.engine.Bus()
	sub := bus.Subscribe(filter, topics...)
	defer bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.Ready():
			for {
				e, ok := sub.TryNext()
				if !ok {
					break
				}
				seq++
				frame, err := formatSSE(seq, e)
				if err != nil {
					h.logger.Warn("sse: encode event", "topic", e.Topic, "error", err)
					continue
				}
				if _, err := w.Write(frame); err != nil {
					return
				}
			}
			flusher.Flush()
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message whose data is
// the JSON payload.
func formatSSE(id int64, e eventbus.Event) ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+64)
	out = append(out, "id: "...)
	out = strconv.AppendInt(out, id, 10)
	out = append(out, "\nevent: "...)
	out = append(out, string(e.Topic)...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out, nil
}
