package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/service/admission"
	"github.com/splax/deploygate/internal/service/application"
	"github.com/splax/deploygate/internal/service/deploy"
	"github.com/splax/deploygate/internal/service/rollback"
)

type deploymentPayload struct {
	Commit        string `json:"commit"`
	ForceRebuild  bool   `json:"force_rebuild"`
	RestartOnly   bool   `json:"restart_only"`
	InstantDeploy bool   `json:"instant_deploy"`
	PullRequestID int64  `json:"pull_request_id"`
	PreApproved   bool   `json:"pre_approved"`
}

type rollbackPayload struct {
	TargetDeploymentID string `json:"target_deployment_id"`
	Reason             string `json:"reason"`
	TriggerType        string `json:"trigger_type"`
}

type decisionPayload struct {
	Note   string `json:"note"`
	Reason string `json:"reason"`
}

type claimPayload struct {
	ApplicationID string `json:"application_id"`
}

// decodeJSON reads a bounded JSON body. An empty body leaves dst untouched when optional.
func decodeJSON(w http.ResponseWriter, req *http.Request, dst any, optional bool) bool {
	body := http.MaxBytesReader(w, req.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func operatorFrom(req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	return info, ok && info.Operator != ""
}

func (r *Router) handleCreateApplication(w http.ResponseWriter, req *http.Request) {
	var payload application.CreateInput
	if !decodeJSON(w, req, &payload, false) {
		return
	}
	app, err := r.apps.Create(req.Context(), payload)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (r *Router) handleGetApplication(w http.ResponseWriter, req *http.Request) {
	app, err := r.apps.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (r *Router) handleSubmitDeployment(w http.ResponseWriter, req *http.Request) {
	info, ok := operatorFrom(req)
	if !ok {
		r.logger.Error("auth context missing for deployment submit", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload deploymentPayload
	if !decodeJSON(w, req, &payload, true) {
		return
	}
	if payload.PreApproved && !info.hasAny(RoleApprover) {
		writeError(w, http.StatusForbidden, "pre-approved deployments require the approver role")
		return
	}
	result, err := r.admission.Submit(req.Context(), domain.DeploymentRequest{
		ApplicationID: req.PathValue("id"),
		Commit:        payload.Commit,
		ForceRebuild:  payload.ForceRebuild,
		RestartOnly:   payload.RestartOnly,
		InstantDeploy: payload.InstantDeploy,
		PullRequestID: payload.PullRequestID,
		PreApproved:   payload.PreApproved,
		Actor:         info.Operator,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.writeAdmission(w, result, result)
}

// writeAdmission answers 202 admitted, 200 skipped and 429 rejected with Retry-After.
func (r *Router) writeAdmission(w http.ResponseWriter, result admission.Result, body any) {
	switch result.Outcome {
	case admission.OutcomeAdmitted:
		writeJSON(w, http.StatusAccepted, body)
	case admission.OutcomeSkipped:
		writeJSON(w, http.StatusOK, body)
	default:
		setRetryAfter(w, result.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, body)
	}
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	filter := domain.QueueFilter{
		ApplicationID: req.PathValue("id"),
		Commit:        strings.TrimSpace(query.Get("commit")),
		Status:        domain.DeploymentStatus(strings.TrimSpace(query.Get("status"))),
	}
	if raw := strings.TrimSpace(query.Get("pull_request_id")); raw != "" {
		pr, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || pr < 0 {
			writeError(w, http.StatusBadRequest, "pull_request_id must be a non-negative integer")
			return
		}
		filter.PullRequestID = &pr
	}
	limit, ok := parseLimit(w, query.Get("limit"), defaultListLimit)
	if !ok {
		return
	}
	filter.Limit = limit
	entries, err := r.deploy.List(req.Context(), filter)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	entry, err := r.deploy.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (r *Router) handleApprove(w http.ResponseWriter, req *http.Request) {
	r.handleDecision(w, req, r.approval.Approve)
}

func (r *Router) handleReject(w http.ResponseWriter, req *http.Request) {
	r.handleDecision(w, req, r.approval.Reject)
}

func (r *Router) handleDecision(w http.ResponseWriter, req *http.Request, decide func(ctx context.Context, id, approver, note string) (*domain.QueueEntry, error)) {
	info, ok := operatorFrom(req)
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload decisionPayload
	if !decodeJSON(w, req, &payload, true) {
		return
	}
	entry, err := decide(req.Context(), req.PathValue("id"), info.Operator, payload.Note)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	info, ok := operatorFrom(req)
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload decisionPayload
	if !decodeJSON(w, req, &payload, true) {
		return
	}
	entry, err := r.deploy.Cancel(req.Context(), req.PathValue("id"), info.Operator, payload.Reason)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (r *Router) handleCreateRollback(w http.ResponseWriter, req *http.Request) {
	info, ok := operatorFrom(req)
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload rollbackPayload
	if !decodeJSON(w, req, &payload, false) {
		return
	}
	result, err := r.rollback.Rollback(req.Context(), rollback.Input{
		ApplicationID:      req.PathValue("id"),
		TargetDeploymentID: payload.TargetDeploymentID,
		TriggeredBy:        info.Operator,
		Reason:             payload.Reason,
		TriggerType:        payload.TriggerType,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.writeAdmission(w, result.Admission, result)
}

func (r *Router) handleListRollbacks(w http.ResponseWriter, req *http.Request) {
	limit, ok := parseLimit(w, req.URL.Query().Get("limit"), defaultListLimit)
	if !ok {
		return
	}
	events, err := r.rollback.List(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleGetRollback(w http.ResponseWriter, req *http.Request) {
	event, err := r.rollback.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (r *Router) handleResumeRollback(w http.ResponseWriter, req *http.Request) {
	result, err := r.rollback.Resume(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.writeAdmission(w, result.Admission, result)
}

func (r *Router) handleListEvents(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	limit, ok := parseLimit(w, query.Get("limit"), defaultEventListLimit)
	if !ok {
		return
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}
	entries, err := r.events.List(req.Context(), req.PathValue("id"), limit, offset)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleExecutorClaim(w http.ResponseWriter, req *http.Request) {
	var payload claimPayload
	if !decodeJSON(w, req, &payload, true) {
		return
	}
	entry, err := r.deploy.Claim(req.Context(), payload.ApplicationID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if entry == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (r *Router) handleExecutorStatus(w http.ResponseWriter, req *http.Request) {
	var payload deploy.StatusReport
	if !decodeJSON(w, req, &payload, false) {
		return
	}
	entry, err := r.deploy.ReportStatus(req.Context(), payload)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func parseLimit(w http.ResponseWriter, raw string, fallback int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
