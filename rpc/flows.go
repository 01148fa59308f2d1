package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nftauth/gateway/flow"
	"github.com/nftauth/gateway/o11y"
	"github.com/nftauth/gateway/proto"
	"github.com/nftauth/gateway/wallet"
)

type StartFlowResponse struct {
	FlowID string     `json:"flowId"`
	View   *flow.View `json:"view"`
}

func (s *RPC) startFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := o11y.LoggerFromContext(ctx)

	params := proto.StartFlowParamsFromQuery(r.URL.Query())

	sess, err := s.Sessions.Create(ctx, func(id string) (*flow.Orchestrator, error) {
		provider, err := s.wallets.NewProvider()
		if err != nil {
			return nil, err
		}
		return flow.New(flow.Deps{
			Connector:  wallet.NewConnector(provider),
			Challenges: s.challenges,
			Capturer:   s.capturer,
			Verifier:   s.verifier,
			Redirects:  s.redirects,
			Recorder:   s.recorder(),
			Metrics:    s.Metrics,
			Log:        s.Log,
		}, flow.Params{
			ID:             id,
			RequireProfile: params.RequireProfile,
			Redirect:       params.Redirect,
		}), nil
	})
	if err != nil {
		if !errors.Is(err, proto.ErrSessionLimitReached) {
			log.Error("failed to create flow", "error", err)
			err = proto.ErrInternalError.WithCause(err)
		}
		proto.RespondWithError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, &StartFlowResponse{
		FlowID: sess.orch.ID(),
		View:   sess.svc.View(ctx),
	})
}

func (s *RPC) getFlow(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupFlow(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.svc.View(r.Context()))
}

func (s *RPC) deleteFlow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "flowID")
	deleted, err := s.Sessions.Delete(r.Context(), id)
	if err != nil {
		proto.RespondWithError(w, proto.ErrInternalError.WithCause(err))
		return
	}
	if !deleted {
		proto.RespondWithError(w, proto.ErrFlowNotFound.WithCausef("flow %s", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// flowOperation adapts a flow.Service method to an HTTP handler responding with
// the resulting view.
func (s *RPC) flowOperation(op func(flow.Service, context.Context) (*flow.View, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.lookupFlow(w, r)
		if !ok {
			return
		}
		view, err := op(sess.svc, r.Context())
		s.respondView(w, r, view, err)
	}
}

func (s *RPC) accountsChanged(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupFlow(w, r)
	if !ok {
		return
	}

	var params proto.AccountsChangedParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		proto.RespondWithError(w, proto.ErrInvalidRequest.WithCausef("decode body: %w", err))
		return
	}
	if err := params.Validate(); err != nil {
		proto.RespondWithError(w, proto.ErrInvalidRequest.WithCausef("invalid params: %w", err))
		return
	}

	view, err := sess.svc.AccountsChanged(r.Context(), params.Accounts)
	s.respondView(w, r, view, err)
}

func (s *RPC) lookupFlow(w http.ResponseWriter, r *http.Request) (*session, bool) {
	ctx := r.Context()
	id := chi.URLParam(r, "flowID")

	sess, found, err := s.Sessions.Get(ctx, id)
	if err != nil {
		o11y.LoggerFromContext(ctx).Error("failed to get flow", "error", err)
		proto.RespondWithError(w, proto.ErrInternalError.WithCause(err))
		return nil, false
	}
	if !found {
		proto.RespondWithError(w, proto.ErrFlowNotFound.WithCausef("flow %s", id))
		return nil, false
	}
	return sess, true
}

// respondView writes the view of a flow after an operation. Errors of the
// operation itself are part of the view; only conflicts with the flow's state
// are reported as HTTP errors.
func (s *RPC) respondView(w http.ResponseWriter, r *http.Request, view *flow.View, err error) {
	switch {
	case errors.Is(err, flow.ErrOperationPending):
		proto.RespondWithError(w, proto.ErrOperationPending)
	case errors.Is(err, flow.ErrFlowClosed):
		proto.RespondWithError(w, proto.ErrFlowNotFound.WithCause(err))
	case errors.Is(err, flow.ErrStageLocked):
		proto.RespondWithError(w, proto.ErrStageLocked)
	case errors.Is(err, flow.ErrFlowComplete):
		proto.RespondWithError(w, proto.ErrFlowComplete)
	default:
		if err != nil {
			o11y.LoggerFromContext(r.Context()).Info("flow operation failed", "flow", view.FlowID, "error", err)
		}
		respondJSON(w, http.StatusOK, view)
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
