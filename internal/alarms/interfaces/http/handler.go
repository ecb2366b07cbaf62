package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	alarmapp "medication-reminder/internal/alarms/application"
	alarms "medication-reminder/internal/alarms/domain"
	"medication-reminder/internal/audit"
	"medication-reminder/internal/auth"
	"medication-reminder/internal/observability/logging"
	"medication-reminder/internal/observability/metrics"
)

const timeLayout = time.RFC3339

// Handler provides alarm HTTP endpoints.
type Handler struct {
	engine   *alarmapp.Engine
	poller   *alarmapp.Poller
	sweeper  *alarmapp.Sweeper
	stream   *StreamHandler
	location *time.Location
	now      func() time.Time
	logger   logrus.FieldLogger
	auditLog audit.Logger
}

// Option customizes the handler.
type Option func(*Handler)

// WithMaintenance exposes manual poll and sweep triggers under /api/v1/admin.
func WithMaintenance(poller *alarmapp.Poller, sweeper *alarmapp.Sweeper) Option {
	return func(h *Handler) {
		h.poller = poller
		h.sweeper = sweeper
	}
}

// WithStream serves the event stream from broker.
func WithStream(broker *SSEBroker) Option {
	return func(h *Handler) {
		if broker != nil {
			h.stream = NewStreamHandler(broker)
		}
	}
}

// WithLocation sets the zone used to group report days.
func WithLocation(loc *time.Location) Option {
	return func(h *Handler) {
		if loc != nil {
			h.location = loc
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithAuditLogger records state-changing requests.
func WithAuditLogger(logger audit.Logger) Option {
	return func(h *Handler) {
		h.auditLog = logger
	}
}

// NewHandler constructs a handler.
func NewHandler(engine *alarmapp.Engine, opts ...Option) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("alarms handler: nil engine")
	}
	h := &Handler{
		engine:   engine,
		location: time.UTC,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithField("component", "alarms_http")
	return h, nil
}

// Register mounts the routes on r.
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	if h.stream != nil {
		api.Handle("/alarms/stream", h.stream).Methods(http.MethodGet)
	}
	api.HandleFunc("/alarms", h.handleList).Methods(http.MethodGet)
	api.HandleFunc("/alarms/{id}", h.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/alarms/{id}/ack", h.handleAck).Methods(http.MethodPost)
	api.HandleFunc("/alarms/{id}/snooze", h.handleSnooze).Methods(http.MethodPost)
	api.HandleFunc("/medications/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/patients/{id}/adherence.{format:json|pdf|xlsx}", h.handleAdherence).Methods(http.MethodGet)
	if h.poller != nil {
		api.HandleFunc("/admin/poll", h.handlePoll).Methods(http.MethodPost)
	}
	if h.sweeper != nil {
		api.HandleFunc("/admin/sweep", h.handleSweep).Methods(http.MethodPost)
	}
}

// ServeHTTP serves the handler's routes on a private router.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	router := mux.NewRouter()
	h.Register(router)
	router.ServeHTTP(w, r)
}

type actionResponse struct {
	Alarm   *alarms.Alarm `json:"alarm,omitempty"`
	Changed bool          `json:"changed"`
}

type snoozeRequest struct {
	Minutes int    `json:"minutes"`
	Reason  string `json:"reason"`
}

type ackRequest struct {
	TakenAt *time.Time `json:"taken_at"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		patientID = identity.Subject
	}
	if patientID == "" {
		http.Error(w, "patient_id is required", http.StatusBadRequest)
		return
	}
	from, err := parseOptionalTime(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseOptionalTime(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}
	status := r.URL.Query().Get("status")
	if status != "" && !alarms.IsOpen(status) && !alarms.IsTerminal(status) {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	list, err := h.engine.ListAlarms(r.Context(), patientID, status, from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !canView(identity, patientID, list) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if list == nil {
		list = []alarms.Alarm{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	alarm, err := h.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	identity := auth.IdentityFromContext(r.Context())
	if !identity.CanViewPatient(alarm.PatientID, alarm.FamilyID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, alarm)
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	takenAt := time.Time{}
	if req.TakenAt != nil {
		takenAt = req.TakenAt.UTC()
	}
	identity := auth.IdentityFromContext(r.Context())
	id := mux.Vars(r)["id"]
	alarm, err := h.engine.Acknowledge(r.Context(), id, identity.Subject, takenAt)
	if err == nil {
		h.recordAudit(r, audit.ActionAcknowledge, "alarm", id, req)
	}
	h.respondAction(w, alarm, err)
}

func (h *Handler) handleSnooze(w http.ResponseWriter, r *http.Request) {
	var req snoozeRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Minutes < 0 || req.Minutes > 24*60 {
		http.Error(w, "minutes must be between 0 and 1440", http.StatusBadRequest)
		return
	}
	identity := auth.IdentityFromContext(r.Context())
	id := mux.Vars(r)["id"]
	req.Reason = strings.TrimSpace(req.Reason)
	alarm, err := h.engine.Snooze(r.Context(), id, identity.Subject, req.Minutes, req.Reason)
	if err == nil {
		h.recordAudit(r, audit.ActionSnooze, "alarm", id, req)
	}
	h.respondAction(w, alarm, err)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	medicationID := mux.Vars(r)["id"]
	open, err := h.engine.OpenAlarms(r.Context(), medicationID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	for _, alarm := range open {
		if !identity.CanViewPatient(alarm.PatientID, alarm.FamilyID) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	cancelled, err := h.engine.CancelForMedication(r.Context(), medicationID, identity.Subject)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, audit.ActionCancel, "medication", medicationID, map[string]int{"cancelled": len(cancelled)})
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": len(cancelled), "alarms": cancelled})
}

func (h *Handler) handleAdherence(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	vars := mux.Vars(r)
	patientID, format := vars["id"], vars["format"]
	to, err := parseOptionalTime(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if to.IsZero() {
		to = h.now()
	}
	from, err := parseOptionalTime(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -alarms.DefaultRetentionDays)
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	list, err := h.engine.ListAlarms(r.Context(), patientID, "", from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !canView(auth.IdentityFromContext(r.Context()), patientID, list) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	report := BuildAdherenceReport(patientID, from, to, list, h.location, h.now())

	var (
		body        []byte
		contentType string
	)
	switch format {
	case "pdf":
		body, err = BuildAdherencePDF(report)
		contentType = "application/pdf"
	case "xlsx":
		body, err = BuildAdherenceXLSX(report)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		writeJSON(w, http.StatusOK, report)
		metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(started))
		return
	}
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(started))
		h.logger.WithError(err).WithField("format", format).Error("adherence export failed")
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(started))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\"adherence-"+patientID+"."+format+"\"")
	_, _ = w.Write(body)
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	report, err := h.poller.Tick(r.Context(), time.Time{})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, audit.ActionPoll, "poller", "", report)
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.sweeper.Run(r.Context(), h.now())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.recordAudit(r, audit.ActionSweep, "sweeper", "", map[string]int64{"deleted": deleted})
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (h *Handler) recordAudit(r *http.Request, action, resourceType, resourceID string, meta any) {
	if h.auditLog == nil {
		return
	}
	identity := auth.IdentityFromContext(r.Context())
	payload, _ := json.Marshal(meta)
	err := h.auditLog.Log(r.Context(), audit.Entry{
		Actor:        identity.Subject,
		Role:         string(identity.Role),
		FamilyID:     identity.FamilyID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.logger.WithError(err).WithField("action", action).Warn("audit log failed")
	}
}

// respondAction maps engine results. A lost race is reported as unchanged, not as an error.
func (h *Handler) respondAction(w http.ResponseWriter, alarm *alarms.Alarm, err error) {
	if errors.Is(err, alarms.ErrInvalidTransition) {
		writeJSON(w, http.StatusOK, actionResponse{Alarm: alarm, Changed: false})
		return
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Alarm: alarm, Changed: true})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarms.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, alarms.ErrPermissionDenied):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, alarms.ErrStoreUnavailable):
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.WithError(err).Error("alarm request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// canView checks access against the patient's family as recorded on the alarms.
func canView(identity auth.Identity, patientID string, list []alarms.Alarm) bool {
	if identity.CanViewPatient(patientID, "") {
		return true
	}
	for _, alarm := range list {
		if identity.CanViewPatient(patientID, alarm.FamilyID) {
			return true
		}
	}
	return false
}

func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func parseOptionalTime(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
