package remote

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/kilupskalvis/gitview/internal/models"
)

// ReadinessSentinel is the body of GET /status once the server accepts
// connections.
const ReadinessSentinel = "gitview OK"

// Git smart protocol services.
const (
	UploadPackService  = "git-upload-pack"
	ReceivePackService = "git-receive-pack"
)

// IsService reports whether name is a git service this server implements.
func IsService(name string) bool {
	return name == UploadPackService || name == ReceivePackService
}

// ProtocolError is a malformed frame or a broken connection. It aborts the
// session it happened in and nothing else.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &ProtocolError{Op: op, Err: err}
}

// WriteErrorLine sends an ERR pkt-line, which git clients print as
// "remote error: <msg>".
func WriteErrorLine(w io.Writer, msg string) error {
	el := &pktline.ErrorLine{Text: msg}
	return el.Encode(w)
}

// ErrorResponse is the structured error format returned by the admin API.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// RepoInfo summarizes a hosted repository.
type RepoInfo struct {
	Name          string   `json:"name"`
	DefaultBranch string   `json:"default_branch"`
	Branches      []string `json:"branches"`
	Filters       int      `json:"filters"`
}

// CreateRepoRequest is the body of POST /admin/repos.
type CreateRepoRequest struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// TokenRequest is the body of POST /admin/tokens. Empty Repos means every
// repository; empty Permission means read-only.
type TokenRequest struct {
	Description string   `json:"description"`
	Repos       []string `json:"repos"`
	Permission  string   `json:"permission"`
}

// TokenSummary describes a token without its secret or hash.
type TokenSummary struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Repos       []string  `json:"repos"`
	Permission  string    `json:"permission"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// CreatedToken is the response of POST /admin/tokens. Token is the only
// place the raw value ever appears.
type CreatedToken struct {
	Token string `json:"token"`
	TokenSummary
}

// PruneRequest selects what POST /admin/repos/{repo}/prune removes besides
// the view refs of deleted branches.
type PruneRequest struct {
	DryRun bool
	// DropViews names views whose rewrite cache is discarded entirely.
	DropViews []string
	// AuditOlderThan drops audit events older than this; zero keeps all.
	AuditOlderThan time.Duration
}

// PruneResult is the response of POST /admin/repos/{repo}/prune.
type PruneResult struct {
	ViewRefsRemoved int           `json:"view_refs_removed"`
	FiltersScanned  int           `json:"filters_scanned"`
	ViewsDropped    int           `json:"views_dropped"`
	MappingsRemoved int           `json:"mappings_removed"`
	EventsRemoved   int64         `json:"events_removed"`
	DryRun          bool          `json:"dry_run"`
	Duration        time.Duration `json:"duration_ns"`
}

// AuditResponse is the response of GET /admin/repos/{repo}/audit.
type AuditResponse struct {
	Events []*models.Event `json:"events"`
}
