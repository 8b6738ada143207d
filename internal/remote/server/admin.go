package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/kilupskalvis/gitview/internal/core"
	"github.com/kilupskalvis/gitview/internal/filter"
	"github.com/kilupskalvis/gitview/internal/models"
	"github.com/kilupskalvis/gitview/internal/remote"
	"github.com/kilupskalvis/gitview/internal/store"
)

// defaultAuditLimit caps audit responses when the query names no limit.
const defaultAuditLimit = 100

// adminAPI serves /admin/. Every route requires the admin token.
type adminAPI struct {
	repos   RepoOpener
	manager RepoManager // nil disables create, list and delete
	tokens  TokenStore
	maxBody int64
	logger  *slog.Logger
}

func (a *adminAPI) routes(adminToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/tokens", a.createToken)
	mux.HandleFunc("GET /admin/tokens", a.listTokens)
	mux.HandleFunc("DELETE /admin/tokens/{id}", a.deleteToken)

	mux.HandleFunc("POST /admin/repos", a.managed(a.createRepo))
	mux.HandleFunc("GET /admin/repos", a.managed(a.listRepos))
	mux.HandleFunc("DELETE /admin/repos/{name}", a.managed(a.deleteRepo))
	mux.HandleFunc("GET /admin/repos/{name}", a.withRepo(a.repoInfo))
	mux.HandleFunc("GET /admin/repos/{name}/audit", a.withRepo(a.audit))
	mux.HandleFunc("POST /admin/repos/{name}/prune", a.withRepo(a.prune))

	expected := []byte("Bearer " + adminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody("auth_failed", "invalid admin token"))
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// fail writes an error response, logging it when it is the server's fault.
func (a *adminAPI) fail(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	if status >= http.StatusInternalServerError {
		a.logger.Error("admin request failed", "path", r.URL.Path, "error", err, "request_id", requestID(r.Context()))
	}
	writeJSON(w, status, errorBody(code, err.Error()))
}

func (a *adminAPI) managed(fn http.HandlerFunc) http.HandlerFunc {
	if a.manager == nil {
		return func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotImplemented, errorBody("not_implemented", "repository management is disabled"))
		}
	}
	return fn
}

type repoHandlerFunc func(w http.ResponseWriter, r *http.Request, repo *core.Repo, audit *store.Store)

// withRepo opens the repository named in the path.
func (a *adminAPI) withRepo(fn repoHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		repo, audit, err := a.repos.Open(name)
		if err != nil {
			if errors.Is(err, ErrRepoNotFound) {
				a.fail(w, r, http.StatusNotFound, "not_found", fmt.Errorf("repository '%s' not found", name))
				return
			}
			a.fail(w, r, http.StatusInternalServerError, "internal_error", err)
			return
		}
		fn(w, r, repo, audit)
	}
}

func (a *adminAPI) readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, a.maxBody)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func summarize(t *TokenInfo) remote.TokenSummary {
	return remote.TokenSummary{
		ID:          t.ID,
		Description: t.Desc,
		Repos:       t.Repos,
		Permission:  t.Permission,
		CreatedAt:   t.CreatedAt,
		LastUsedAt:  t.LastUsedAt,
	}
}

func (a *adminAPI) createToken(w http.ResponseWriter, r *http.Request) {
	var req remote.TokenRequest
	if err := a.readJSON(r, &req); err != nil {
		a.fail(w, r, http.StatusBadRequest, "bad_request", err)
		return
	}
	switch req.Permission {
	case "":
		req.Permission = PermRead
	case PermRead, PermWrite:
	default:
		a.fail(w, r, http.StatusBadRequest, "bad_request", fmt.Errorf("permission must be %q or %q", PermRead, PermWrite))
		return
	}
	if len(req.Repos) == 0 {
		req.Repos = []string{"*"}
	}

	raw, info, err := a.tokens.CreateToken(req.Description, req.Repos, req.Permission)
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	a.logger.Info("token created", "token_id", info.ID, "repos", info.Repos, "permission", info.Permission)
	writeJSON(w, http.StatusCreated, &remote.CreatedToken{Token: raw, TokenSummary: summarize(info)})
}

func (a *adminAPI) listTokens(w http.ResponseWriter, r *http.Request) {
	list, err := a.tokens.ListTokens()
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	out := make([]remote.TokenSummary, 0, len(list))
	for _, t := range list {
		out = append(out, summarize(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *adminAPI) deleteToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.tokens.DeleteToken(id); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			a.fail(w, r, http.StatusNotFound, "not_found", err)
			return
		}
		a.fail(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	a.logger.Info("token deleted", "token_id", id)
	w.WriteHeader(http.StatusOK)
}

func (a *adminAPI) createRepo(w http.ResponseWriter, r *http.Request) {
	var req remote.CreateRepoRequest
	if err := a.readJSON(r, &req); err != nil {
		a.fail(w, r, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := remote.ValidateRepoName(req.Name); err != nil || reservedRepoNames[req.Name] {
		a.fail(w, r, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid repository name %q", req.Name))
		return
	}

	if err := a.manager.Create(req.Name, req.DefaultBranch); err != nil {
		if errors.Is(err, ErrRepoExists) {
			a.fail(w, r, http.StatusConflict, "conflict", fmt.Errorf("repository '%s' already exists", req.Name))
			return
		}
		a.fail(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	a.logger.Info("repository created", "repo", req.Name)

	a.withRepo(func(w http.ResponseWriter, r *http.Request, repo *core.Repo, _ *store.Store) {
		a.writeRepoInfo(w, r, http.StatusCreated, repo)
	})(w, withPathValue(r, "name", req.Name))
}

// withPathValue lets a handler reuse a path-keyed helper for a name that
// came from the body.
func withPathValue(r *http.Request, key, value string) *http.Request {
	r2 := r.Clone(r.Context())
	r2.SetPathValue(key, value)
	return r2
}

func (a *adminAPI) listRepos(w http.ResponseWriter, r *http.Request) {
	names, err := a.manager.List()
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"repos": names})
}

func (a *adminAPI) deleteRepo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.manager.Delete(name); err != nil {
		if errors.Is(err, ErrRepoNotFound) {
			a.fail(w, r, http.StatusNotFound, "not_found", err)
			return
		}
		a.fail(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	a.logger.Info("repository deleted", "repo", name)
	w.WriteHeader(http.StatusOK)
}

func (a *adminAPI) repoInfo(w http.ResponseWriter, r *http.Request, repo *core.Repo, _ *store.Store) {
	a.writeRepoInfo(w, r, http.StatusOK, repo)
}

func (a *adminAPI) writeRepoInfo(w http.ResponseWriter, r *http.Request, status int, repo *core.Repo) {
	info := &remote.RepoInfo{Name: repo.Name, Branches: []string{}}
	if head, err := repo.DefaultBranch(); err == nil {
		info.DefaultBranch = head.Short()
	}
	refs, err := repo.Branches()
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	for _, ref := range refs {
		info.Branches = append(info.Branches, ref.Name().Short())
	}
	filters, err := repo.Cache.ListFilters(r.Context())
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, "internal_error", fmt.Errorf("list filters: %w", err))
		return
	}
	info.Filters = len(filters)
	writeJSON(w, status, info)
}

func (a *adminAPI) audit(w http.ResponseWriter, r *http.Request, _ *core.Repo, audit *store.Store) {
	params := r.URL.Query()
	q := store.EventQuery{
		Kind:   models.EventKind(params.Get("kind")),
		Branch: params.Get("branch"),
		Limit:  defaultAuditLimit,
	}
	if q.Branch != "" && !strings.HasPrefix(q.Branch, "refs/") {
		q.Branch = plumbing.NewBranchReferenceName(q.Branch).String()
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.fail(w, r, http.StatusBadRequest, "bad_request", errors.New("limit must be a non-negative integer"))
			return
		}
		q.Limit = n
	}

	events, err := audit.ListEvents(r.Context(), q)
	if err != nil {
		a.fail(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, &remote.AuditResponse{Events: events})
}

// prune drops view refs whose branch was deleted, plus the views and audit
// events the query selects.
func (a *adminAPI) prune(w http.ResponseWriter, r *http.Request, repo *core.Repo, audit *store.Store) {
	params := r.URL.Query()
	dryRun, _ := strconv.ParseBool(params.Get("dry_run"))
	req := remote.PruneRequest{DryRun: dryRun, DropViews: params["drop"]}
	if v := params.Get("audit_older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			a.fail(w, r, http.StatusBadRequest, "bad_request", errors.New("audit_older_than must be a positive duration"))
			return
		}
		req.AuditOlderThan = d
	}

	result, err := Prune(r.Context(), repo, audit, req, a.logger)
	if err != nil {
		var pe *filter.ParseError
		if errors.As(err, &pe) {
			a.fail(w, r, http.StatusBadRequest, "bad_request", err)
			return
		}
		a.fail(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
