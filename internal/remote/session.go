package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/sideband"
	"github.com/go-git/go-git/v5/plumbing/revlist"
	"github.com/google/uuid"
	"github.com/kilupskalvis/gitview/internal/core"
	"github.com/kilupskalvis/gitview/internal/models"
	"github.com/kilupskalvis/gitview/internal/remote/metastore"
)

const packWindow = 10

// SessionConfig tunes a Session.
type SessionConfig struct {
	// Stateless is set for smart HTTP, where every request carries one
	// negotiation round.
	Stateless bool
	// Translator options applied to pushes.
	Translator core.TranslatorOptions
	// RequestID is copied into audit events.
	RequestID string
	// OnEvent is called after every fetch that sent a pack and every push
	// command, accepted or not.
	OnEvent func(context.Context, *models.Event)
	// Logger defaults to the repository logger.
	Logger *slog.Logger
}

// ViewBranch is one branch as advertised through a view.
type ViewBranch struct {
	Name     plumbing.ReferenceName
	Filtered plumbing.Hash
	Source   plumbing.Hash
}

// Session serves one git service over one view. It is used by a single
// request or connection and is not safe for concurrent use.
type Session struct {
	repo     *core.Repo
	addr     *Address
	rewriter *core.Rewriter
	cfg      SessionConfig
	logger   *slog.Logger
}

// NewSession returns a session on repo as seen through addr.
func NewSession(repo *core.Repo, addr *Address, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = repo.Logger
	}
	return &Session{
		repo:     repo,
		addr:     addr,
		rewriter: repo.Rewriter(addr.Filter),
		cfg:      cfg,
		logger:   logger.With("view", addr.Filter.String()),
	}
}

// Branches rewrites every branch of the repository into the view and returns
// those with visible content, sorted by name. The refs are read once.
func (s *Session) Branches(ctx context.Context) ([]ViewBranch, error) {
	refs, err := s.repo.Branches()
	if err != nil {
		return nil, err
	}

	tips, err := s.rewriter.RewriteRefs(ctx, refs)
	if err != nil {
		return nil, err
	}

	branches := make([]ViewBranch, 0, len(refs))
	for _, ref := range refs {
		filtered := tips[ref.Name()]
		if err := s.repo.ObserveViewRef(ctx, s.addr.Filter, ref.Name(), filtered, ref.Hash()); err != nil {
			return nil, fmt.Errorf("record view ref %s: %w", ref.Name(), err)
		}
		if filtered.IsZero() {
			continue
		}
		branches = append(branches, ViewBranch{Name: ref.Name(), Filtered: filtered, Source: ref.Hash()})
	}
	return branches, nil
}

// AdvertiseRefs writes the reference advertisement of service. Smart HTTP
// responses carry the "# service=" preamble.
func (s *Session) AdvertiseRefs(ctx context.Context, w io.Writer, service string, httpPreamble bool) error {
	if !IsService(service) {
		return fmt.Errorf("unsupported service %q", service)
	}

	branches, err := s.Branches(ctx)
	if err != nil {
		return err
	}

	ar := packp.NewAdvRefs()
	if httpPreamble {
		ar.Prefix = [][]byte{[]byte("# service=" + service), pktline.Flush}
	}
	for _, b := range branches {
		ar.References[b.Name.String()] = b.Filtered
	}

	caps := ar.Capabilities
	if err := caps.Set(capability.Agent, agent); err != nil {
		return err
	}
	for _, c := range []capability.Capability{capability.OFSDelta, capability.Sideband64k} {
		if err := caps.Add(c); err != nil {
			return err
		}
	}

	if service == UploadPackService {
		for _, c := range []capability.Capability{capability.Sideband, capability.NoProgress} {
			if err := caps.Add(c); err != nil {
				return err
			}
		}
		if def, err := s.repo.DefaultBranch(); err == nil {
			for _, b := range branches {
				if b.Name == def {
					head := b.Filtered
					ar.Head = &head
					if err := ar.AddReference(plumbing.NewSymbolicReference(plumbing.HEAD, def)); err != nil {
						return err
					}
					break
				}
			}
		}
	} else {
		for _, c := range []capability.Capability{capability.ReportStatus, capability.DeleteRefs} {
			if err := caps.Add(c); err != nil {
				return err
			}
		}
	}

	if err := ar.Encode(w); err != nil {
		return protocolErr("advertise refs", err)
	}
	s.logger.Debug("advertised refs", "service", service, "branches", len(branches))
	return nil
}

// agent is advertised in the agent capability.
const agent = "gitview/1"

// isViewCommit reports whether h is a commit of the view.
func (s *Session) isViewCommit(ctx context.Context, h plumbing.Hash) (bool, error) {
	if s.addr.Filter.IsIdentity() {
		err := s.repo.Storage.HasEncodedObject(h)
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	_, err := s.repo.Cache.GetSource(ctx, s.addr.Filter.ID(), h)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, metastore.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// uploadRequest is the want section of an upload-pack request.
type uploadRequest struct {
	wants []plumbing.Hash
	caps  *capability.List
}

func readWants(sc *pktline.Scanner) (*uploadRequest, error) {
	req := &uploadRequest{caps: capability.NewList()}
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			return req, nil
		}
		line = bytes.TrimSuffix(line, []byte("\n"))

		switch {
		case bytes.HasPrefix(line, []byte("want ")):
			rest := line[len("want "):]
			if len(rest) < 40 {
				return nil, fmt.Errorf("malformed want line %q", line)
			}
			h := plumbing.NewHash(string(rest[:40]))
			if h.IsZero() {
				return nil, fmt.Errorf("malformed want line %q", line)
			}
			if len(req.wants) == 0 && len(rest) > 41 {
				if err := req.caps.Decode(rest[41:]); err != nil {
					return nil, fmt.Errorf("decode capabilities: %w", err)
				}
			}
			req.wants = append(req.wants, h)
		case bytes.HasPrefix(line, []byte("shallow ")), bytes.HasPrefix(line, []byte("deepen")):
			return nil, errShallowUnsupported
		default:
			return nil, fmt.Errorf("unexpected line %q", line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(req.wants) == 0 {
		return req, nil
	}
	return nil, io.ErrUnexpectedEOF
}

var errShallowUnsupported = errors.New("shallow fetches are not supported")

// UploadPack negotiates with a fetching client and sends the pack. Common
// commits are acknowledged the way git does without multi_ack: the first
// one is ACKed as soon as it is seen, a flush is answered with NAK while
// nothing is common, and "done" is answered with NAK if nothing ever was.
// In stateless mode a flush ends the request.
func (s *Session) UploadPack(ctx context.Context, r io.Reader, w io.Writer) error {
	start := time.Now()
	sc := pktline.NewScanner(r)
	enc := pktline.NewEncoder(w)

	req, err := readWants(sc)
	if err != nil {
		_ = WriteErrorLine(w, err.Error())
		return protocolErr("read wants", err)
	}
	if len(req.wants) == 0 {
		return nil
	}

	for _, h := range req.wants {
		ok, err := s.isViewCommit(ctx, h)
		if err != nil {
			return err
		}
		if !ok {
			msg := "upload-pack: not our ref " + h.String()
			_ = WriteErrorLine(w, msg)
			return protocolErr("read wants", errors.New(msg))
		}
	}

	var common []plumbing.Hash
	done := false
	for !done {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return protocolErr("read haves", err)
			}
			return protocolErr("read haves", io.ErrUnexpectedEOF)
		}
		line := bytes.TrimSuffix(sc.Bytes(), []byte("\n"))

		switch {
		case len(line) == 0:
			if len(common) == 0 {
				if err := enc.EncodeString("NAK\n"); err != nil {
					return protocolErr("write NAK", err)
				}
			}
			if s.cfg.Stateless {
				return nil
			}

		case bytes.Equal(line, []byte("done")):
			if len(common) == 0 {
				if err := enc.EncodeString("NAK\n"); err != nil {
					return protocolErr("write NAK", err)
				}
			}
			done = true

		case bytes.HasPrefix(line, []byte("have ")):
			h := plumbing.NewHash(string(line[len("have "):]))
			ok, err := s.isViewCommit(ctx, h)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			common = append(common, h)
			if len(common) == 1 {
				if err := enc.Encodef("ACK %s\n", h); err != nil {
					return protocolErr("write ACK", err)
				}
			}

		default:
			return protocolErr("read haves", fmt.Errorf("unexpected line %q", line))
		}
	}

	n, err := s.sendPack(ctx, w, req, common)
	if err != nil {
		return err
	}

	s.logger.Info("fetch served", "wants", len(req.wants), "common", len(common), "objects", n, "duration", time.Since(start))
	s.emit(ctx, &models.Event{
		Kind:    models.EventFetch,
		NewTip:  req.wants[0].String(),
		Status:  models.StatusOK,
		Message: fmt.Sprintf("%d objects", n),
	})
	return nil
}

func (s *Session) sendPack(ctx context.Context, w io.Writer, req *uploadRequest, common []plumbing.Hash) (int, error) {
	hashes, err := revlist.Objects(s.repo.Storage, req.wants, common)
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	out := w
	var mux *sideband.Muxer
	switch {
	case req.caps.Supports(capability.Sideband64k):
		mux = sideband.NewMuxer(sideband.Sideband64k, w)
	case req.caps.Supports(capability.Sideband):
		mux = sideband.NewMuxer(sideband.Sideband, w)
	}
	if mux != nil {
		out = mux
		if !req.caps.Supports(capability.NoProgress) {
			msg := fmt.Sprintf("Counting objects: %d, done.\n", len(hashes))
			if _, err := mux.WriteChannel(sideband.ProgressMessage, []byte(msg)); err != nil {
				return 0, protocolErr("write progress", err)
			}
		}
	}

	useRefDeltas := !req.caps.Supports(capability.OFSDelta)
	if _, err := packfile.NewEncoder(out, s.repo.Storage, useRefDeltas).Encode(hashes, packWindow); err != nil {
		return 0, protocolErr("write pack", err)
	}
	if mux != nil {
		if err := pktline.NewEncoder(w).Flush(); err != nil {
			return 0, protocolErr("write pack", err)
		}
	}
	return len(hashes), nil
}

// ReceivePack reads ref updates and their pack, translates each update into
// the full history and reports the outcome per ref.
func (s *Session) ReceivePack(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	if peek, err := br.Peek(4); err == nil && string(peek) == "0000" {
		return nil
	} else if errors.Is(err, io.EOF) {
		return nil
	}

	req := packp.NewReferenceUpdateRequest()
	if err := req.Decode(br); err != nil {
		_ = WriteErrorLine(w, err.Error())
		return protocolErr("read update request", err)
	}

	q := core.NewQuarantine(s.repo.Storage)
	unpackErr := s.unpack(req, q)
	if unpackErr != nil {
		s.logger.Warn("unpack failed", "error", unpackErr)
	} else {
		s.logger.Debug("pack received", "objects", q.Staged(), "commands", len(req.Commands))
	}

	report := &packp.ReportStatus{UnpackStatus: "ok"}
	if unpackErr != nil {
		report.UnpackStatus = oneLine(unpackErr.Error())
	}

	tr := core.NewTranslator(s.repo, s.addr.Filter, q, func(ctx context.Context) error {
		n, err := q.Promote(ctx, s.repo.Storage)
		if err == nil && n > 0 {
			s.logger.Debug("promoted quarantined objects", "count", n)
		}
		return err
	}, s.cfg.Translator)

	for _, cmd := range req.Commands {
		status := "ok"
		if unpackErr != nil {
			status = "unpacker error"
		} else if res, err := tr.Push(ctx, core.PushRequest{Branch: cmd.Name, Old: cmd.Old, New: cmd.New}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			status = s.rejectReason(cmd, err)
			s.emit(ctx, &models.Event{
				Kind:    models.EventPush,
				Branch:  cmd.Name.String(),
				OldTip:  hashString(cmd.Old),
				NewTip:  hashString(cmd.New),
				Status:  eventStatus(err),
				Message: status,
			})
		} else {
			s.logger.Info("push applied",
				"branch", res.Branch,
				"filtered_old", res.FilteredOld,
				"filtered_new", res.FilteredNew,
				"source_new", res.SourceNew,
				"created", res.Created)
			s.emit(ctx, &models.Event{
				Kind:      models.EventPush,
				Branch:    res.Branch.String(),
				OldTip:    hashString(res.FilteredOld),
				NewTip:    hashString(res.FilteredNew),
				SourceTip: hashString(res.SourceNew),
				Status:    models.StatusOK,
				Message:   fmt.Sprintf("%d commits", res.Created),
			})
		}
		report.CommandStatuses = append(report.CommandStatuses, &packp.CommandStatus{
			ReferenceName: cmd.Name,
			Status:        status,
		})
	}

	if !req.Capabilities.Supports(capability.ReportStatus) {
		return nil
	}
	return s.writeReport(w, req.Capabilities, report)
}

// unpack parses the pushed pack into the quarantine. Delete-only requests
// carry no pack.
func (s *Session) unpack(req *packp.ReferenceUpdateRequest, q *core.Quarantine) error {
	if req.Packfile == nil {
		return nil
	}
	defer req.Packfile.Close()

	needsPack := false
	for _, cmd := range req.Commands {
		if cmd.Action() != packp.Delete {
			needsPack = true
			break
		}
	}
	if !needsPack {
		_, _ = io.Copy(io.Discard, req.Packfile)
		return nil
	}

	parser, err := packfile.NewParserWithStorage(packfile.NewScanner(req.Packfile), q)
	if err != nil {
		return err
	}
	if _, err := parser.Parse(); err != nil {
		return fmt.Errorf("parse pack: %w", err)
	}
	return nil
}

func (s *Session) writeReport(w io.Writer, caps *capability.List, report *packp.ReportStatus) error {
	var t sideband.Type
	switch {
	case caps.Supports(capability.Sideband64k):
		t = sideband.Sideband64k
	case caps.Supports(capability.Sideband):
		t = sideband.Sideband
	default:
		return protocolErr("write report", report.Encode(w))
	}

	var buf bytes.Buffer
	if err := report.Encode(&buf); err != nil {
		return protocolErr("write report", err)
	}
	if _, err := sideband.NewMuxer(t, w).Write(buf.Bytes()); err != nil {
		return protocolErr("write report", err)
	}
	return protocolErr("write report", pktline.NewEncoder(w).Flush())
}

// rejectReason renders err for an "ng" line.
func (s *Session) rejectReason(cmd *packp.Command, err error) string {
	var ce *core.ConflictError
	var ie *core.IntegrityError
	switch {
	case errors.As(err, &ce):
		s.logger.Info("push rejected", "branch", cmd.Name, "reason", ce.Reason, "expected", ce.Expected, "actual", ce.Actual)
		return oneLine(ce.Reason)
	case errors.As(err, &ie):
		s.logger.Error("push failed integrity check", "branch", cmd.Name, "commit", ie.Commit, "tree", ie.Tree, "reason", ie.Reason)
		return oneLine(ie.Error())
	case errors.Is(err, core.ErrOutsideView):
		s.logger.Info("push rejected", "branch", cmd.Name, "error", err)
		return oneLine(err.Error())
	default:
		s.logger.Error("push failed", "branch", cmd.Name, "error", err)
		return "internal server error"
	}
}

func (s *Session) emit(ctx context.Context, e *models.Event) {
	if s.cfg.OnEvent == nil {
		return
	}
	e.ID = uuid.NewString()
	e.Time = time.Now().UTC()
	e.Repo = s.repo.Name
	e.View = s.addr.Filter.String()
	e.RequestID = s.cfg.RequestID
	s.cfg.OnEvent(ctx, e)
}

func eventStatus(err error) models.EventStatus {
	if errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrOutsideView) {
		return models.StatusRejected
	}
	return models.StatusFailed
}

func hashString(h plumbing.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
