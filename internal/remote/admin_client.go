package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// AdminClient communicates with the admin API of a gitview server.
type AdminClient struct {
	*Client
}

// NewAdminClient creates an admin API client. Warns if baseURL uses http://.
func NewAdminClient(baseURL, token string) *AdminClient {
	if strings.HasPrefix(baseURL, "http://") {
		fmt.Fprintf(os.Stderr, "warning: sending credentials over unencrypted HTTP connection\n")
	}
	return &AdminClient{Client: NewClient(baseURL, token)}
}

// adminReposListResp is the decoded response from GET /admin/repos.
type adminReposListResp struct {
	Repos []string `json:"repos"`
}

// CreateToken calls POST /admin/tokens. The raw token is only available in
// the response; the server keeps a hash.
func (c *AdminClient) CreateToken(ctx context.Context, desc string, repos []string, permission string) (*CreatedToken, error) {
	req := TokenRequest{Description: desc, Repos: repos, Permission: permission}
	var resp CreatedToken
	if err := c.doJSON(ctx, http.MethodPost, c.url("/admin/tokens"), req, &resp); err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &resp, nil
}

// ListTokens calls GET /admin/tokens.
func (c *AdminClient) ListTokens(ctx context.Context) ([]TokenSummary, error) {
	var tokens []TokenSummary
	if err := c.getJSON(ctx, "list tokens", c.url("/admin/tokens"), &tokens); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

// DeleteToken calls DELETE /admin/tokens/{id}.
func (c *AdminClient) DeleteToken(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodDelete, c.url("/admin/tokens/"+url.PathEscape(id)), nil, nil); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// CreateRepo calls POST /admin/repos to create an empty repository.
func (c *AdminClient) CreateRepo(ctx context.Context, name, defaultBranch string) (*RepoInfo, error) {
	req := CreateRepoRequest{Name: name, DefaultBranch: defaultBranch}
	var info RepoInfo
	if err := c.doJSON(ctx, http.MethodPost, c.url("/admin/repos"), req, &info); err != nil {
		return nil, fmt.Errorf("create repo: %w", err)
	}
	return &info, nil
}

// DeleteRepo calls DELETE /admin/repos/{name} to remove a repository.
func (c *AdminClient) DeleteRepo(ctx context.Context, name string) error {
	if err := c.doJSON(ctx, http.MethodDelete, c.url("/admin/repos/"+url.PathEscape(name)), nil, nil); err != nil {
		return fmt.Errorf("delete repo: %w", err)
	}
	return nil
}

// ListRepos calls GET /admin/repos and returns all repository names.
func (c *AdminClient) ListRepos(ctx context.Context) ([]string, error) {
	var resp adminReposListResp
	if err := c.getJSON(ctx, "list repos", c.url("/admin/repos"), &resp); err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	return resp.Repos, nil
}

// GetRepo calls GET /admin/repos/{name}.
func (c *AdminClient) GetRepo(ctx context.Context, name string) (*RepoInfo, error) {
	var info RepoInfo
	if err := c.getJSON(ctx, "repo info", c.url("/admin/repos/"+url.PathEscape(name)), &info); err != nil {
		return nil, fmt.Errorf("repo info: %w", err)
	}
	return &info, nil
}

// AuditQuery filters an audit request. Zero fields match everything; a zero
// Limit uses the server default.
type AuditQuery struct {
	Kind   string
	Branch string
	Limit  int
}

// Audit calls GET /admin/repos/{name}/audit and returns the matching events,
// newest first.
func (c *AdminClient) Audit(ctx context.Context, name string, q AuditQuery) (*AuditResponse, error) {
	params := url.Values{}
	if q.Kind != "" {
		params.Set("kind", q.Kind)
	}
	if q.Branch != "" {
		params.Set("branch", q.Branch)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	u := c.url("/admin/repos/" + url.PathEscape(name) + "/audit")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var resp AuditResponse
	if err := c.getJSON(ctx, "audit", u, &resp); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return &resp, nil
}

// Prune calls POST /admin/repos/{name}/prune, which drops view refs of
// branches that no longer exist and whatever else req selects.
func (c *AdminClient) Prune(ctx context.Context, name string, req PruneRequest) (*PruneResult, error) {
	q := url.Values{}
	if req.DryRun {
		q.Set("dry_run", "true")
	}
	for _, v := range req.DropViews {
		q.Add("drop", v)
	}
	if req.AuditOlderThan > 0 {
		q.Set("audit_older_than", req.AuditOlderThan.String())
	}
	u := c.url("/admin/repos/" + url.PathEscape(name) + "/prune")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var resp PruneResult
	if err := c.doJSON(ctx, http.MethodPost, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	return &resp, nil
}
