package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/registry"
)

// pairStatus is one registered pair with its cache snapshot, if cached.
type pairStatus struct {
	Pair        [2]string  `json:"pair"`
	CachedPrice string     `json:"cachedPrice,omitempty"`
	ReceivedAt  *time.Time `json:"receivedAt,omitempty"`
	CachedAt    *time.Time `json:"cachedAt,omitempty"`
}

// registrationStatus is one registration with its cache snapshot.
type registrationStatus struct {
	registry.Registration
	CachedPrice string     `json:"cachedPrice,omitempty"`
	CachedAt    *time.Time `json:"cachedAt,omitempty"`
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	source := model.SourceName(vars["source"])

	pair, err := model.NewPair(vars["base"], vars["quote"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}

	resp, err := s.quotes.GetQuote(r.Context(), source, pair)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuotePairs(w http.ResponseWriter, r *http.Request) {
	source := model.SourceName(mux.Vars(r)["source"])

	pairs := s.registry.PairsBySource(source)
	out := make([]pairStatus, 0, len(pairs))
	for _, pair := range pairs {
		ps := pairStatus{Pair: [2]string{pair.Base, pair.Quote}}
		if cached, ok := s.cache.Get(source, pair); ok {
			ps.CachedPrice = cached.Price
			received := cached.ReceivedAt
			cachedAt := cached.CachedAt
			ps.ReceivedAt = &received
			ps.CachedAt = &cachedAt
		}
		out = append(out, ps)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source": source,
		"pairs":  out,
	})
}

func (s *Server) handleRegistrations(w http.ResponseWriter, _ *http.Request) {
	regs := s.registry.AllRegistrations()
	out := make([]registrationStatus, 0, len(regs))
	for _, reg := range regs {
		rs := registrationStatus{Registration: reg}
		if cached, ok := s.cache.Get(reg.Source, reg.Pair); ok {
			rs.CachedPrice = cached.Price
			cachedAt := cached.CachedAt
			rs.CachedAt = &cachedAt
		}
		out = append(out, rs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"registrations": out,
		"count":         len(out),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"removedCount": s.cleanup.Trigger(),
	})
}

func (s *Server) handleSourcePairs(w http.ResponseWriter, r *http.Request) {
	source := model.SourceName(mux.Vars(r)["source"])

	pairs, err := s.manager.Pairs(r.Context(), source)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([][2]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, [2]string{p.Base, p.Quote})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source": source,
		"pairs":  out,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
