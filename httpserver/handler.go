package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/metrics"
	"github.com/ruteri/cloud-evidence-backend/orchestrator"
	"github.com/ruteri/cloud-evidence-backend/provisioner"
)

const (
	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024

	// DefaultWaitTimeout applies when a readiness request has no timeout.
	DefaultWaitTimeout = 10 * time.Minute
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// VolumeCopier is implemented by orchestrator.Orchestrator.
type VolumeCopier interface {
	CopyVolume(ctx context.Context, req interfaces.VolumeCopyRequest) (interfaces.VolumeCopyResult, error)
}

// InstanceProvisioner is implemented by provisioner.Provisioner.
type InstanceProvisioner interface {
	StartAnalysisInstance(ctx context.Context, req provisioner.AnalysisInstanceRequest) (*provisioner.InstanceHandle, *provisioner.InitialCredentials, error)
	WaitReady(ctx context.Context, handle *provisioner.InstanceHandle, timeout time.Duration) error
	Teardown(ctx context.Context, handle *provisioner.InstanceHandle) error
}

// KeySweeper is implemented by kms.Manager.
type KeySweeper interface {
	SweepOutstanding(ctx context.Context) (int, error)
}

// HandlerOpts wires the handler to its collaborators. Records, Sweeper and
// Metrics are optional.
type HandlerOpts struct {
	Copier      VolumeCopier
	Provisioner InstanceProvisioner
	Sweeper     KeySweeper
	Records     interfaces.RecordStore
	// Accounts resolves account aliases used in query parameters.
	Accounts map[string]interfaces.Account
	// MaxWait caps the readiness wait a client may ask for.
	MaxWait time.Duration
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Handler serves the evidence API.
type Handler struct {
	copier      VolumeCopier
	provisioner InstanceProvisioner
	sweeper     KeySweeper
	records     interfaces.RecordStore
	accounts    map[string]interfaces.Account
	maxWait     time.Duration
	metrics     *metrics.Metrics
	log         *slog.Logger
}

func NewHandler(opts HandlerOpts) *Handler {
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Hour
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Handler{
		copier:      opts.Copier,
		provisioner: opts.Provisioner,
		sweeper:     opts.Sweeper,
		records:     opts.Records,
		accounts:    opts.Accounts,
		maxWait:     opts.MaxWait,
		metrics:     opts.Metrics,
		log:         opts.Log,
	}
}

// CopyRecord is the custody record written for every completed copy.
type CopyRecord struct {
	Request    interfaces.VolumeCopyRequest `json:"request"`
	Result     interfaces.VolumeCopyResult  `json:"result"`
	RecordedAt time.Time                    `json:"recorded_at"`
}

// InstanceRecord is the custody record written for every started instance.
// It never contains credentials.
type InstanceRecord struct {
	Request    provisioner.AnalysisInstanceRequest `json:"request"`
	Instance   provisioner.InstanceHandle          `json:"instance"`
	RecordedAt time.Time                           `json:"recorded_at"`
}

// CopyResponse is returned by HandleCopyVolume.
type CopyResponse struct {
	Result        interfaces.VolumeCopyResult `json:"result"`
	CustodyRecord string                      `json:"custody_record,omitempty"`
	// Warnings carries cleanup failures of an otherwise successful copy.
	Warnings []string `json:"warnings,omitempty"`
}

// InstanceResponse is returned by HandleStartInstance.
type InstanceResponse struct {
	Instance      *provisioner.InstanceHandle     `json:"instance"`
	Credentials   *provisioner.InitialCredentials `json:"credentials,omitempty"`
	CustodyRecord string                          `json:"custody_record,omitempty"`
}

// StatusCode maps the error taxonomy to an HTTP status.
func StatusCode(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.Is(err, interfaces.ErrInvalidRequest), errors.Is(err, interfaces.ErrInvalidLocationURI):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrResourceNotFound), errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrConflict), errors.Is(err, interfaces.ErrAttachmentConflict):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrKeyInUse):
		return http.StatusLocked
	case errors.Is(err, interfaces.ErrCapacity), errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrTimeout), errors.Is(err, interfaces.ErrProvisionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, interfaces.ErrProvider), errors.Is(err, interfaces.ErrBootstrapFailed):
		return http.StatusBadGateway
	case errors.Is(err, interfaces.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid request body: %w", err)}
	}
	return nil
}

// storeRecord writes a custody record. Failures are logged and reported to
// the caller as an empty identifier; the operation itself already happened.
func (h *Handler) storeRecord(ctx context.Context, recordType interfaces.RecordType, v any) string {
	if h.records == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("Failed to encode custody record", "err", err)
		return ""
	}
	id, err := h.records.Store(ctx, data, recordType)
	if err != nil {
		h.log.Error("Failed to store custody record",
			slog.String("type", recordType.String()),
			"err", err)
		return ""
	}
	return id.String()
}

// HandleCopyVolume copies a volume into the destination account and zone.
//
// URL format: POST /api/v1/volume-copies
//
// Request body: interfaces.VolumeCopyRequest as JSON.
// Response: CopyResponse.
func (h *Handler) HandleCopyVolume(w http.ResponseWriter, r *http.Request) {
	var req interfaces.VolumeCopyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	start := time.Now()
	result, err := h.copier.CopyVolume(r.Context(), req)

	var warnings []string
	var copyErr *orchestrator.CopyError
	if err != nil && result.VolumeID != "" && errors.As(err, &copyErr) && copyErr.Step == orchestrator.StepCleanup {
		h.log.Warn("Volume copy succeeded with cleanup failures",
			slog.String("volumeID", result.VolumeID),
			"err", err)
		warnings = append(warnings, err.Error())
		err = nil
	}
	h.metrics.RecordCopy(start, err)
	if err != nil {
		h.log.Error("Volume copy failed",
			slog.String("source", req.SourceRef()),
			"err", err)
		h.writeError(w, err)
		return
	}

	recordID := h.storeRecord(r.Context(), interfaces.CopyRecord, CopyRecord{
		Request:    req.WithDefaults(),
		Result:     result,
		RecordedAt: time.Now().UTC(),
	})

	h.writeJSON(w, http.StatusOK, CopyResponse{
		Result:        result,
		CustodyRecord: recordID,
		Warnings:      warnings,
	})
}

// HandleStartInstance starts an analysis instance.
//
// URL format: POST /api/v1/analysis-instances
//
// Request body: provisioner.AnalysisInstanceRequest as JSON.
// Response: InstanceResponse, 201 when a new instance was created and 200
// when an existing one was reused.
func (h *Handler) HandleStartInstance(w http.ResponseWriter, r *http.Request) {
	var req provisioner.AnalysisInstanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	start := time.Now()
	handle, creds, err := h.provisioner.StartAnalysisInstance(r.Context(), req)
	h.metrics.RecordProvision(start, err)
	if err != nil {
		h.log.Error("Failed to start analysis instance",
			slog.String("name", req.Name),
			"err", err)
		h.writeError(w, err)
		return
	}

	recordID := h.storeRecord(r.Context(), interfaces.InstanceRecord, InstanceRecord{
		Request:    req,
		Instance:   *handle,
		RecordedAt: time.Now().UTC(),
	})

	status := http.StatusOK
	if handle.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, InstanceResponse{
		Instance:      handle,
		Credentials:   creds,
		CustodyRecord: recordID,
	})
}

// instanceFromQuery builds a handle from the path and the zone and account
// query parameters.
func (h *Handler) instanceFromQuery(r *http.Request) (*provisioner.InstanceHandle, error) {
	id := chi.URLParam(r, "id")
	zone := r.URL.Query().Get("zone")
	if id == "" || zone == "" {
		return nil, fmt.Errorf("%w: instance id and zone are required", interfaces.ErrInvalidRequest)
	}
	account, err := h.resolveAccount(r.URL.Query().Get("account"))
	if err != nil {
		return nil, err
	}
	return &provisioner.InstanceHandle{ID: id, Account: account, Zone: zone}, nil
}

// resolveAccount accepts a configured alias or "<provider>[/<profile>]".
func (h *Handler) resolveAccount(ref string) (interfaces.Account, error) {
	if ref == "" {
		return interfaces.Account{}, fmt.Errorf("%w: account is required", interfaces.ErrInvalidRequest)
	}
	if account, ok := h.accounts[ref]; ok {
		return account, nil
	}
	provider, profile, _ := strings.Cut(ref, "/")
	switch kind := interfaces.ProviderKind(provider); kind {
	case interfaces.ProviderAWS, interfaces.ProviderMemory:
		return interfaces.Account{Provider: kind, Profile: profile}, nil
	}
	return interfaces.Account{}, fmt.Errorf("%w: unknown account %q", interfaces.ErrInvalidRequest, ref)
}

// HandleWaitReady blocks until the instance finished its bootstrap.
//
// URL format: GET /api/v1/analysis-instances/{id}/ready?zone=&account=&timeout=
func (h *Handler) HandleWaitReady(w http.ResponseWriter, r *http.Request) {
	handle, err := h.instanceFromQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	timeout := DefaultWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			h.writeError(w, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidRequest, raw))
			return
		}
	}
	timeout = min(timeout, h.maxWait)

	if err := h.provisioner.WaitReady(r.Context(), handle, timeout); err != nil {
		h.log.Warn("Analysis instance not ready",
			slog.String("instanceID", handle.ID),
			"err", err)
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "instance": handle.ID})
}

// HandleTeardown terminates an analysis instance.
//
// URL format: DELETE /api/v1/analysis-instances/{id}?zone=&account=
func (h *Handler) HandleTeardown(w http.ResponseWriter, r *http.Request) {
	handle, err := h.instanceFromQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.provisioner.Teardown(r.Context(), handle); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "terminated", "instance": handle.ID})
}

// HandleCustodyRecord returns a stored custody record verbatim.
//
// URL format: GET /api/v1/custody/{type}/{id}
func (h *Handler) HandleCustodyRecord(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("custody store not configured")})
		return
	}

	recordType, err := interfaces.ParseRecordType(chi.URLParam(r, "type"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := interfaces.NewContentIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Err: err})
		return
	}

	data, err := h.records.Fetch(r.Context(), id, recordType)
	if err != nil {
		h.log.Warn("Failed to fetch custody record",
			slog.String("contentID", id.String()),
			"err", err)
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleSweepKeys releases ephemeral keys left behind by interrupted copies.
//
// URL format: POST /api/v1/admin/sweep-keys
func (h *Handler) HandleSweepKeys(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotImplemented, Err: errors.New("key sweeping not configured")})
		return
	}

	n, err := h.sweeper.SweepOutstanding(r.Context())
	h.metrics.AddSweptKeys(n)
	if err != nil {
		h.log.Error("Key sweep failed", slog.Int("swept", n), "err", err)
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"swept": n})
}
