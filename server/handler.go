package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mscno/pledges/server/middleware"
	"github.com/mscno/pledges/server/model"
	"github.com/mscno/pledges/server/pledges"
)

const (
	maxBodyBytes         = 64 << 10
	defaultSnapshotLimit = 12
	maxSnapshotLimit     = 120
)

// API exposes the pledge service as a JSON API.
type API struct {
	svc    *pledges.Service
	logger *slog.Logger
}

func NewAPI(svc *pledges.Service, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{svc: svc, logger: logger}
}

// Register mounts the API on srv. Public writes go through limit and
// contributor actions through auth; either may be nil.
func (a *API) Register(srv *HTTPServer, limit, auth func(http.Handler) http.Handler) {
	if limit == nil {
		limit = passthrough
	}
	if auth == nil {
		auth = passthrough
	}
	limited := func(h http.HandlerFunc) http.Handler { return limit(h) }
	authed := func(h http.HandlerFunc) http.Handler { return auth(h) }

	srv.HandleFunc("GET /healthz", a.Healthz)

	srv.Handle("POST /api/v1/pledges", limited(a.CreatePledge))
	srv.HandleFunc("GET /api/v1/pledges", a.ListPledges)
	srv.HandleFunc("GET /api/v1/pledges/{id}", a.GetPledge)
	srv.Handle("PUT /api/v1/pledges/{id}", limited(a.UpdatePledge))
	srv.Handle("DELETE /api/v1/pledges/{id}", limited(a.WithdrawPledge))
	srv.Handle("GET /api/v1/pledges/{id}/confirm", limited(a.ConfirmEmail))
	srv.Handle("POST /api/v1/pledges/{id}/resend-confirmation", limited(a.ResendConfirmation))
	srv.Handle("POST /api/v1/pledges/{id}/manage-link", limited(a.RequestManagementLink))
	srv.Handle("POST /api/v1/pledges/{id}/contributors/notify", limited(a.NotifyContributors))
	srv.Handle("DELETE /api/v1/pledges/{id}/contributors/{cid}", limited(a.RemoveContributor))

	srv.Handle("GET /api/v1/me/contributions", authed(a.MyContributions))
	srv.Handle("POST /api/v1/contributors/{cid}/confirm", authed(a.ConfirmContributor))
	srv.Handle("POST /api/v1/contributors/{cid}/decline", authed(a.DeclineContributor))

	srv.HandleFunc("GET /api/v1/stats", a.ListSnapshots)
}

func passthrough(h http.Handler) http.Handler { return h }

// PublicPledge is the view of a pledge shown to anyone. It omits the
// contact address.
type PublicPledge struct {
	ID                    string    `json:"id"`
	OrgName               string    `json:"org_name"`
	OrgDescription        string    `json:"org_description"`
	OrgURL                string    `json:"org_url"`
	Domain                string    `json:"domain"`
	Status                string    `json:"status"`
	ConfirmedContributors int       `json:"confirmed_contributors"`
	TotalHours            int       `json:"total_hours"`
	RecomputedAt          time.Time `json:"recomputed_at,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

func publicView(p model.Pledge) PublicPledge {
	return PublicPledge{
		ID:                    p.ID,
		OrgName:               p.OrgName,
		OrgDescription:        p.OrgDescription,
		OrgURL:                p.OrgURL,
		Domain:                p.Domain,
		Status:                string(p.Status),
		ConfirmedContributors: p.ConfirmedContributors,
		TotalHours:            p.TotalHours,
		RecomputedAt:          p.RecomputedAt,
		CreatedAt:             p.CreatedAt,
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreatePledge handles POST /api/v1/pledges
func (a *API) CreatePledge(w http.ResponseWriter, r *http.Request) {
	var sub pledges.Submission
	if err := decodeJSON(r, &sub); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	pledge, err := a.svc.Create(r.Context(), sub)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, publicView(pledge))
}

// ListPledges handles GET /api/v1/pledges
func (a *API) ListPledges(w http.ResponseWriter, r *http.Request) {
	published, err := a.svc.PublishedPledges(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]PublicPledge, 0, len(published))
	for _, p := range published {
		out = append(out, publicView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPledge handles GET /api/v1/pledges/{id}. Pledges that are not published
// are reported as missing.
func (a *API) GetPledge(w http.ResponseWriter, r *http.Request) {
	pledge, err := a.svc.Pledge(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if pledge.Status != model.PledgeStatusPublished {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, publicView(pledge))
}

// UpdatePledge handles PUT /api/v1/pledges/{id}
func (a *API) UpdatePledge(w http.ResponseWriter, r *http.Request) {
	var sub pledges.Submission
	if err := decodeJSON(r, &sub); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	pledge, err := a.svc.Update(r.Context(), r.PathValue("id"), sub.Token, sub)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicView(pledge))
}

// WithdrawPledge handles DELETE /api/v1/pledges/{id}?token=
func (a *API) WithdrawPledge(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Withdraw(r.Context(), r.PathValue("id"), r.URL.Query().Get("token")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConfirmEmail handles GET /api/v1/pledges/{id}/confirm?token=
func (a *API) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.svc.ConfirmEmail(r.Context(), id, r.URL.Query().Get("token")); err != nil {
		a.writeError(w, r, err)
		return
	}
	pledge, err := a.svc.Pledge(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicView(pledge))
}

// ResendConfirmation handles POST /api/v1/pledges/{id}/resend-confirmation
func (a *API) ResendConfirmation(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.ResendConfirmation(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type manageLinkRequest struct {
	Email string `json:"email"`
}

// RequestManagementLink handles POST /api/v1/pledges/{id}/manage-link
func (a *API) RequestManagementLink(w http.ResponseWriter, r *http.Request) {
	var req manageLinkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := a.svc.RequestManagementLink(r.Context(), r.PathValue("id"), req.Email); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "Check your email for a link to manage your pledge."})
}

type notifyRequest struct {
	Token         string `json:"token"`
	ContributorID string `json:"contributor_id,omitempty"`
}

type notifyResponse struct {
	Sent int `json:"sent"`
}

// NotifyContributors handles POST /api/v1/pledges/{id}/contributors/notify
func (a *API) NotifyContributors(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sent, err := a.svc.ResendContributorEmails(r.Context(), r.PathValue("id"), req.Token, req.ContributorID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notifyResponse{Sent: sent})
}

// RemoveContributor handles DELETE /api/v1/pledges/{id}/contributors/{cid}?token=
func (a *API) RemoveContributor(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.RemoveContributor(r.Context(), r.PathValue("id"), r.URL.Query().Get("token"), r.PathValue("cid"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// MyContributions handles GET /api/v1/me/contributions
func (a *API) MyContributions(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "user info missing from context")
		return
	}
	contributions, err := a.svc.Contributions(r.Context(), user.Login)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contributions)
}

// ConfirmContributor handles POST /api/v1/contributors/{cid}/confirm
func (a *API) ConfirmContributor(w http.ResponseWriter, r *http.Request) {
	a.transitionContributor(w, r, a.svc.ConfirmContributor)
}

// DeclineContributor handles POST /api/v1/contributors/{cid}/decline
func (a *API) DeclineContributor(w http.ResponseWriter, r *http.Request) {
	a.transitionContributor(w, r, a.svc.DeclineContributor)
}

type contributorTransition func(ctx context.Context, contributorID string) (model.Contributor, error)

func (a *API) transitionContributor(w http.ResponseWriter, r *http.Request, apply contributorTransition) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "user info missing from context")
		return
	}
	cid := r.PathValue("cid")
	c, err := a.svc.Contributor(r.Context(), cid)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !strings.EqualFold(c.Username, user.Login) {
		writeMessage(w, http.StatusForbidden, "this contributor record belongs to another user")
		return
	}
	updated, err := apply(r.Context(), cid)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ListSnapshots handles GET /api/v1/stats?limit=
func (a *API) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := defaultSnapshotLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSnapshotLimit)
	}
	snapshots, err := a.svc.Snapshots(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if snapshots == nil {
		snapshots = []model.StatsSnapshot{}
	}
	writeJSON(w, http.StatusOK, snapshots)
}
