// Package gateway is the HTTP credential service: it exchanges a display
// name for a signed room token, serves the tutoring profile, and exposes
// health, metrics, and transcript-history endpoints.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"voicetutor/internal/config"
	"voicetutor/internal/history"
	"voicetutor/internal/observability"
	"voicetutor/internal/token"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const version = "1.0.0"

// TokenResponse is the body returned by the token endpoint.
type TokenResponse struct {
	Token     string    `json:"token"`
	Room      string    `json:"room"`
	URL       string    `json:"url"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RoomInfo describes one room the gateway has issued tokens for.
type RoomInfo struct {
	Room         string    `json:"room"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	TokensIssued int       `json:"tokens_issued"`
}

// AnalyticsResponse summarizes one room's persisted conversation.
type AnalyticsResponse struct {
	Room            string         `json:"room"`
	TotalUtterances int            `json:"total_utterances"`
	Breakdown       map[string]int `json:"breakdown"`
	FirstSpokenAt   *time.Time     `json:"first_spoken_at,omitempty"`
	LastSpokenAt    *time.Time     `json:"last_spoken_at,omitempty"`
}

// HealthResponse is the body returned by the health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Server wires the gateway's HTTP surface.
type Server struct {
	cfg      *config.Server
	minter   *token.Minter
	profiles *config.ProfileWatcher
	store    history.Store
	metrics  *Metrics
	logger   *slog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*clientLimiter

	roomsMu sync.Mutex
	rooms   map[string]*roomRecord
}

// roomRecord tracks one room across the tokens issued for it.
type roomRecord struct {
	createdAt    time.Time
	lastActivity time.Time
	tokens       int
}

// clientLimiter pairs a rate limiter with its last use, so idle entries can
// be swept instead of accumulating one per remote address forever.
type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const (
	limiterIdleAfter  = 10 * time.Minute
	limiterSweepAbove = 1024
)

// New creates a gateway server. store may be nil to disable the transcript
// history endpoint.
func New(cfg *config.Server, minter *token.Minter, profiles *config.ProfileWatcher, store history.Store) *Server {
	return &Server{
		cfg:      cfg,
		minter:   minter,
		profiles: profiles,
		store:    store,
		metrics:  NewMetrics(),
		logger:   observability.WithFields("component", "gateway"),
		limiters: make(map[string]*clientLimiter),
		rooms:    make(map[string]*roomRecord),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/token", s.handleToken)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/transcripts", s.handleTranscripts)
	mux.HandleFunc("POST /api/transcripts", s.handleSaveTranscript)
	mux.HandleFunc("GET /api/rooms", s.handleRooms)
	mux.HandleFunc("DELETE /api/rooms/{room}", s.handleDeleteRoom)
	mux.HandleFunc("GET /api/analytics", s.handleAnalytics)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleToken exchanges a display name for a signed room credential. Each
// call mints a fresh token; nothing is cached or reused.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metrics.APILatency.Observe(time.Since(start).Seconds()) }()

	s.metrics.TokenRequests.Inc()

	if !s.allow(r) {
		s.metrics.TokenErrors.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "Guest"
	}
	if len(name) > 100 {
		s.metrics.TokenErrors.Inc()
		writeError(w, http.StatusBadRequest, "name too long")
		return
	}

	roomName := strings.TrimSpace(r.URL.Query().Get("room"))
	if roomName == "" {
		roomName = s.generateRoomName()
	}

	signed, expiresAt, err := s.minter.Mint(name, roomName)
	if err != nil {
		s.metrics.TokenErrors.Inc()
		s.logger.Error("token mint failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	s.trackRoom(roomName)

	s.logger.Info("token issued", "identity", name, "room", roomName)
	writeJSON(w, http.StatusOK, TokenResponse{
		Token:     signed,
		Room:      roomName,
		URL:       s.cfg.RoomURL,
		Identity:  name,
		ExpiresAt: expiresAt,
	})
}

// handleConfig serves the tutoring profile in effect.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	p := s.profiles.Current()
	writeJSON(w, http.StatusOK, map[string]string{
		"topic":   p.Topic,
		"subject": p.Subject,
		"style":   p.Style,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   version,
	})
}

// handleTranscripts lists persisted finalized utterances for one room.
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	roomName := strings.TrimSpace(r.URL.Query().Get("room"))
	if roomName == "" {
		writeError(w, http.StatusBadRequest, "missing 'room' parameter")
		return
	}

	ctx := observability.WithRoom(r.Context(), roomName)
	entries, err := s.store.ListByRoom(ctx, roomName)
	if err != nil {
		observability.LoggerFromContext(ctx).Error("history list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room":       roomName,
		"utterances": entries,
	})
}

// handleSaveTranscript ingests one finalized utterance from a session client.
func (s *Server) handleSaveTranscript(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	var e history.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "malformed entry")
		return
	}
	if e.Room == "" || e.Text == "" {
		writeError(w, http.StatusBadRequest, "entry needs room and text")
		return
	}
	if e.SpokenAt.IsZero() {
		e.SpokenAt = time.Now().UTC()
	}

	if err := s.store.SaveUtterance(r.Context(), e); err != nil {
		observability.LoggerFromContext(observability.WithRoom(r.Context(), e.Room)).
			Error("history save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history save failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRooms lists the rooms the gateway has issued tokens for, newest
// first.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	s.roomsMu.Lock()
	infos := make([]RoomInfo, 0, len(s.rooms))
	for name, rec := range s.rooms {
		infos = append(infos, RoomInfo{
			Room:         name,
			CreatedAt:    rec.createdAt,
			LastActivity: rec.lastActivity,
			TokensIssued: rec.tokens,
		})
	}
	s.roomsMu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": infos,
		"count": len(infos),
	})
}

// handleDeleteRoom retires one room from the registry. Outstanding tokens
// simply expire; this only stops the room from being listed.
func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")

	s.roomsMu.Lock()
	_, ok := s.rooms[name]
	if ok {
		delete(s.rooms, name)
	}
	s.roomsMu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "unknown room")
		return
	}

	s.logger.Info("room deleted", "room", name)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("room %q deleted", name),
	})
}

// handleAnalytics summarizes one room's persisted conversation: utterance
// counts per speaker and the span of the exchange.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	roomName := strings.TrimSpace(r.URL.Query().Get("room"))
	if roomName == "" {
		writeError(w, http.StatusBadRequest, "missing 'room' parameter")
		return
	}

	ctx := observability.WithRoom(r.Context(), roomName)
	entries, err := s.store.ListByRoom(ctx, roomName)
	if err != nil {
		observability.LoggerFromContext(ctx).Error("history list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}

	resp := AnalyticsResponse{
		Room:            roomName,
		TotalUtterances: len(entries),
		Breakdown:       make(map[string]int),
	}
	for _, e := range entries {
		resp.Breakdown[e.Speaker]++
	}
	if len(entries) > 0 {
		// Entries come back in timestamp order.
		first, last := entries[0].SpokenAt, entries[len(entries)-1].SpokenAt
		resp.FirstSpokenAt = &first
		resp.LastSpokenAt = &last
	}

	writeJSON(w, http.StatusOK, resp)
}

// trackRoom records token issuance against a room for the listing endpoint.
func (s *Server) trackRoom(name string) {
	now := time.Now().UTC()

	s.roomsMu.Lock()
	rec, ok := s.rooms[name]
	if !ok {
		rec = &roomRecord{createdAt: now}
		s.rooms[name] = rec
	}
	rec.lastActivity = now
	rec.tokens++
	s.roomsMu.Unlock()
}

// generateRoomName returns a fresh room-<hex8> name.
func (s *Server) generateRoomName() string {
	name := fmt.Sprintf("room-%s", uuid.NewString()[:8])
	s.metrics.RoomCreations.Inc()
	s.logger.Info("generated room", "room", name)
	return name
}

// allow applies the per-address token rate limit.
func (s *Server) allow(r *http.Request) bool {
	perMinute := s.cfg.TokenRatePerMinute
	if perMinute <= 0 {
		return true
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	now := time.Now()

	s.limitersMu.Lock()
	cl, ok := s.limiters[host]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)}
		s.limiters[host] = cl
	}
	cl.lastSeen = now
	if len(s.limiters) > limiterSweepAbove {
		s.evictIdleLimiters(now)
	}
	s.limitersMu.Unlock()

	return cl.lim.Allow()
}

// evictIdleLimiters drops limiters idle past the cutoff. Caller holds
// limitersMu.
func (s *Server) evictIdleLimiters(now time.Time) {
	for host, cl := range s.limiters {
		if now.Sub(cl.lastSeen) > limiterIdleAfter {
			delete(s.limiters, host)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
