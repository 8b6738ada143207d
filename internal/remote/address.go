package remote

import (
	"fmt"
	"strings"

	"github.com/kilupskalvis/gitview/internal/filter"
)

// Address identifies a view: a hosted repository seen through a filter.
type Address struct {
	Repo   string
	Filter filter.Spec
}

// String renders the address in canonical form.
func (a *Address) String() string {
	if a.Filter.IsIdentity() {
		return a.Repo + ".git"
	}
	return a.Repo + ".git/" + a.Filter.String() + ".git"
}

// ParseAddress parses a repository path of the form
// <repo>[.git][/<segment>...]. A plain segment descends into that directory.
// A segment starting with ':' is a filter expression; it may itself contain
// slashes and runs up to the next ".git/" or the end of the path. A trailing
// ".git" on the last segment is ignored. Segments compose left to right.
func ParseAddress(p string) (*Address, error) {
	p = strings.Trim(p, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if p == "" {
		return nil, fmt.Errorf("empty repository path")
	}

	repo, rest, _ := strings.Cut(p, "/")
	repo = strings.TrimSuffix(repo, ".git")
	if err := ValidateRepoName(repo); err != nil {
		return nil, err
	}

	var specs []filter.Spec
	for rest != "" {
		var seg string
		if strings.HasPrefix(rest, ":") {
			if i := strings.Index(rest, ".git/"); i >= 0 {
				seg, rest = rest[:i], rest[i+len(".git/"):]
			} else {
				seg, rest = strings.TrimSuffix(rest, ".git"), ""
			}
		} else {
			seg, rest, _ = strings.Cut(rest, "/")
			if rest == "" {
				seg = strings.TrimSuffix(seg, ".git")
			}
			if seg == "" {
				continue
			}
			seg = ":/" + seg
		}

		spec, err := filter.Parse(seg)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	return &Address{Repo: repo, Filter: filter.Compose(specs...)}, nil
}

// ValidateRepoName rejects names that cannot be used as a single directory.
func ValidateRepoName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\:") {
		return fmt.Errorf("invalid repository name: %q", name)
	}
	return nil
}
