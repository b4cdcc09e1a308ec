package http

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/capture-scheduler/internal/application"
	"github.com/example/capture-scheduler/internal/logging"
)

var (
	errMissingTerm     = errors.New("ターム ID を指定してください。")
	errInvalidStatus   = errors.New("無効なステータスです。")
	errInvalidField    = errors.New("無効なフィールド種別です。")
	errInvalidLimit    = errors.New("無効な件数指定です。")
	errMissingOperator = errors.New("オペレーター トークンを指定してください。")
	errInvalidOperator = errors.New("オペレーター トークンが無効です。")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	return responder{logger: cmp.Or(logger, slog.Default())}
}

// scope tags the request logger with the endpoint and attrs. The returned
// context carries the tagged logger into the services the handler calls.
func (r responder) scope(req *http.Request, endpoint string, attrs ...any) (context.Context, *slog.Logger) {
	return logging.With(req.Context(), r.logger, append([]any{"endpoint", endpoint}, attrs...)...)
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := localizedStatusMessage(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).WarnContext(ctx, "request failed", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{Message: message})
}

func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	r.loggerFor(ctx).ErrorContext(ctx, "service call failed", "error", err, "error_kind", application.ErrorKind(err))
	switch {
	case errors.Is(err, application.ErrPassInProgress):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: "PASS_IN_PROGRESS",
			Message:   "別の照合処理が実行中です。",
		})
	case errors.Is(err, application.ErrUnknownTerm):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{
			ErrorCode: "UNKNOWN_TERM",
			Message:   "指定されたタームは設定されていません。",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Message: "処理が中断されました。"})
	default:
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{
			ErrorCode: strings.ToUpper(application.ErrorKind(err)),
			Message:   "サーバー内部でエラーが発生しました。",
		})
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := logging.FromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

func localizedStatusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "リクエスト内容が正しくありません。"
	case http.StatusUnauthorized:
		return "認証が必要です。"
	case http.StatusForbidden:
		return "この操作を実行する権限がありません。"
	case http.StatusNotFound:
		return "指定されたリソースが見つかりません。"
	case http.StatusConflict:
		return "要求はリソースの現在の状態と競合しています。"
	case http.StatusServiceUnavailable:
		return "サービスを利用できません。"
	default:
		return "サーバー内部でエラーが発生しました。"
	}
}

type errorResponse struct {
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message"`
}
