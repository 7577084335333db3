package api

import (
	"encoding/json"
	"net/http"

	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/job"
	"BSM-Orchestrator/internal/keys"
	"BSM-Orchestrator/internal/pipeline"
	"BSM-Orchestrator/internal/registry"
)

// errorResponse 是全部接口统一的错误体。
type errorResponse struct {
	RunID     string `json:"run_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	AgentID   string `json:"agent_id,omitempty"`
	Step      string `json:"step,omitempty"`
	Guard     string `json:"guard,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:       http.StatusBadRequest,
	xerrors.CodeNotFound:              http.StatusNotFound,
	xerrors.CodeConflict:              http.StatusConflict,
	xerrors.CodeCanceled:              http.StatusServiceUnavailable,
	xerrors.CodeTimeout:               http.StatusGatewayTimeout,
	xerrors.CodeUnavailable:           http.StatusServiceUnavailable,
	xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
	registry.CodeAgentNotFound:        http.StatusNotFound,
	registry.CodeRegistryInvalid:      http.StatusServiceUnavailable,
	registry.CodeRegistryUnavailable:  http.StatusServiceUnavailable,
	pipeline.CodeModeDenied:           http.StatusForbidden,
	pipeline.CodeApprovalDenied:       http.StatusForbidden,
	pipeline.CodePolicyDenied:         http.StatusForbidden,
	pipeline.CodeMisconfiguredAgent:   http.StatusInternalServerError,
	pipeline.CodeAgentExecutionFailed: http.StatusBadGateway,
	pipeline.CodePipelineCanceled:     http.StatusServiceUnavailable,
	keys.CodeUnknownProvider:          http.StatusNotFound,
	keys.CodeAllProvidersExhausted:    http.StatusServiceUnavailable,
	job.CodeJobNotFound:               http.StatusNotFound,
	job.CodeJobConflict:               http.StatusConflict,
	job.CodeJobPublish:                http.StatusServiceUnavailable,
}

// statusFor 将错误码映射为 HTTP 状态码，未登记的错误按 500 处理。
func statusFor(code xerrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func newErrorResponse(err error) errorResponse {
	code := xerrors.CodeOf(err)
	msg := err.Error()
	if e, ok := xerrors.From(err); ok {
		msg = e.Message()
	}
	return errorResponse{
		RunID:     xerrors.MetadataValue(err, pipeline.MetaRunID),
		Code:      string(code),
		Message:   msg,
		AgentID:   xerrors.MetadataValue(err, pipeline.MetaAgentID),
		Step:      xerrors.MetadataValue(err, pipeline.MetaStep),
		Guard:     xerrors.MetadataValue(err, pipeline.MetaGuard),
		Reason:    xerrors.MetadataValue(err, pipeline.MetaReason),
		Retryable: xerrors.RetryableError(err),
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(xerrors.CodeOf(err)), newErrorResponse(err))
}

// writeRunError 在错误缺少 run id 时补上本次请求分配的 id。
func writeRunError(w http.ResponseWriter, runID string, err error) {
	resp := newErrorResponse(err)
	if resp.RunID == "" {
		resp.RunID = runID
	}
	writeJSON(w, statusFor(xerrors.CodeOf(err)), resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func unavailable(feature string) error {
	return xerrors.New(xerrors.CodeUnavailable, feature+" 未启用")
}
