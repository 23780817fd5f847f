// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cell

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/pkg/cell/branch"
	"github.com/dot-do/gitx/pkg/cell/export"
	"github.com/dot-do/gitx/pkg/cell/refs"
	"github.com/dot-do/gitx/pkg/cell/wire"
)

// maxRequestBody bounds JSON control-plane request bodies.
const maxRequestBody = 4 * MiByte

func (rt *Runtime) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", rt.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/info", rt.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/initialize", rt.handleInitialize).Methods(http.MethodPost)
	r.HandleFunc("/fork", rt.handleFork).Methods(http.MethodPost)
	r.HandleFunc("/sync", rt.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/compact", rt.handleCompact).Methods(http.MethodPost)
	r.HandleFunc("/export", rt.handleExport).Methods(http.MethodPost)
	r.HandleFunc("/export/status/{id}", rt.handleExportStatus).Methods(http.MethodGet)
	r.HandleFunc("/objects/batch", rt.handleLFSBatch).Methods(http.MethodPost)
	r.HandleFunc("/{ns}/info/refs", rt.repoHandler(rt.server.HandleInfoRefs)).Methods(http.MethodGet)
	r.HandleFunc("/{ns}/git-upload-pack", rt.repoHandler(rt.server.HandleUploadPack)).Methods(http.MethodPost)
	r.HandleFunc("/{ns}/git-receive-pack", rt.repoHandler(rt.server.HandleReceivePack)).Methods(http.MethodPost)
	return r
}

// repoHandler gates the git transport endpoints on the namespace in
// the URL matching this cell.
func (rt *Runtime) repoHandler(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns, err := rt.metaGet(r.Context(), "namespace")
		if err != nil {
			renderError(w, err)
			return
		}
		if ns == "" {
			renderError(w, ErrNotInitialized)
			return
		}
		if got := mux.Vars(r)["ns"]; got != ns {
			renderError(w, &ErrInvalidNamespace{Namespace: got})
			return
		}
		next(w, r)
	}
}

func renderJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("render response: %v", err)
	}
}

func renderError(w http.ResponseWriter, err error) {
	renderJSON(w, statusFor(err), map[string]any{"success": false, "error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case refs.IsErrReferenceNotFound(err), plumbing.IsNoSuchObject(err), branch.IsErrBranchNotFound(err):
		return http.StatusNotFound
	case refs.IsErrReferenceExists(err), refs.IsErrReferenceChanged(err):
		return http.StatusConflict
	case refs.IsErrProtectedReference(err), refs.IsErrReviewsMissing(err), branch.IsErrCannotDeleteCurrent(err), branch.IsErrBranchNotMerged(err):
		return http.StatusForbidden
	case IsErrInvalidNamespace(err), plumbing.IsErrBadReferenceName(err), branch.IsErrInvalidStartPoint(err), wire.IsErrBadRequest(err),
		export.IsErrInvalidRequest(err), IsErrNoSuchMethod(err), isJSONError(err):
		return http.StatusBadRequest
	case IsErrNoSuchDomain(err):
		return http.StatusNotFound
	case errors.Is(err, ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func isJSONError(err error) bool {
	var syntax *json.SyntaxError
	var unmarshal *json.UnmarshalTypeError
	return errors.As(err, &syntax) || errors.As(err, &unmarshal)
}

func (rt *Runtime) handleHealth(w http.ResponseWriter, r *http.Request) {
	ns, err := rt.metaGet(r.Context(), "namespace")
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"ns":           ns,
		"type":         "cell",
		"uptime":       time.Since(rt.startedAt).Round(time.Second).String(),
		"capabilities": []string{"git-smart-http-v1", "sync", "fork", "export"},
	})
}

func (rt *Runtime) handleInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := rt.metaGet(ctx, "namespace")
	if err != nil {
		renderError(w, err)
		return
	}
	parent, err := rt.metaGet(ctx, "parent")
	if err != nil {
		renderError(w, err)
		return
	}
	count, bytes, err := rt.objects.HotStats(ctx)
	if err != nil {
		renderError(w, err)
		return
	}
	branches, err := rt.branches.List(ctx)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"ns":          ns,
		"parent":      parent,
		"initialized": ns != "",
		"hot_objects": count,
		"hot_bytes":   bytes,
		"branches":    branches,
		"exporter":    rt.exporter.Stats(),
	})
}

func (rt *Runtime) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Namespace string `json:"ns"`
		Parent    string `json:"parent,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if err := rt.Initialize(r.Context(), req.Namespace, req.Parent); err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"success": true, "ns": req.Namespace})
}

func (rt *Runtime) handleFork(w http.ResponseWriter, r *http.Request) {
	result, err := rt.dispatch(r.Context(), "fork", r.Body)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"success": true, "fork": result})
}

// dispatch routes a request body through the repository domain.
func (rt *Runtime) dispatch(ctx context.Context, method string, body io.Reader) (any, error) {
	args, err := io.ReadAll(io.LimitReader(body, maxRequestBody))
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		args = []byte("{}")
	}
	domain, err := rt.domains.Domain("repository")
	if err != nil {
		return nil, err
	}
	return domain.Entity(rt.cfg.Namespace).Call(ctx, method, args)
}

func (rt *Runtime) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rt.cfg.CloneTimeout.Duration)
	defer cancel()
	result, err := rt.dispatch(ctx, "sync", r.Body)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

func (rt *Runtime) handleCompact(w http.ResponseWriter, r *http.Request) {
	report, err := rt.dispatch(r.Context(), "compact", r.Body)
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, report)
}

func (rt *Runtime) handleExport(w http.ResponseWriter, r *http.Request) {
	result, err := rt.dispatch(r.Context(), "export", r.Body)
	if err != nil {
		renderJSON(w, statusFor(err), map[string]any{"success": false, "error": err.Error()})
		return
	}
	job, ok := result.(*export.Job)
	if !ok {
		renderError(w, errors.New("gitx: unexpected export result"))
		return
	}
	renderJSON(w, http.StatusAccepted, map[string]any{"success": true, "exportId": job.ID})
}

func (rt *Runtime) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := rt.exports.Status(id)
	if !ok {
		renderJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "no such export", "exportId": id})
		return
	}
	renderJSON(w, http.StatusOK, job)
}

// handleLFSBatch reserves the git-lfs batch endpoint; large file
// storage is not served from cells yet.
func (rt *Runtime) handleLFSBatch(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusNotImplemented, map[string]any{"success": false, "error": "LFS batch API is not supported"})
}
