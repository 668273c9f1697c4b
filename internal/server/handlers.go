package server

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"agent-relay/internal/common/auth"
	"agent-relay/internal/common/errors"
	"agent-relay/internal/relay/engine"
	"agent-relay/internal/relay/wire"
	"agent-relay/pkg/registry"
)

// handleRelay handles POST /v1/relay, dispatching on the envelope type.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			s.errs.WriteHTTP(w, r, errors.NewInvalidEnvelopeError(fmt.Sprintf("body exceeds %d bytes", s.maxBody)))
			return
		}
		s.errs.WriteHTTP(w, r, errors.NewInvalidEnvelopeError("failed to read body"))
		return
	}

	env, serr := s.envelopes.decode(raw)
	if serr != nil {
		s.errs.WriteHTTP(w, r, serr)
		return
	}

	switch env.Type {
	case wire.TypeRequest:
		s.submitRequest(w, r, p, env)
	case wire.TypePoll:
		s.poll(w, r, p)
	case wire.TypeResponse:
		s.submitResponse(w, r, p, env)
	case wire.TypeResult:
		s.result(w, r, p, env.RequestID)
	}
}

// handleGetResult handles GET /v1/results/{id}.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	s.result(w, r, principalFrom(r.Context()), r.PathValue("id"))
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request, p *auth.Principal, env *wire.Envelope) {
	if !s.requireRole(w, r, p, registry.RoleRequester) {
		return
	}
	visibility, verr := effectiveVisibility(p, env.Visibility)
	if verr != nil {
		s.errs.WriteHTTP(w, r, verr)
		return
	}

	req, err := s.engine.Submit(r.Context(), p.AgentID, engine.Submission{
		RequestID:  env.RequestID,
		Schema:     env.Schema,
		Input:      env.Input,
		TimeoutMs:  env.TimeoutMs,
		Visibility: visibility,
	})
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	timeoutAt := req.TimeoutAt
	writeJSON(w, http.StatusAccepted, wire.Ack{Status: wire.StatusAccepted, RequestID: req.ID, TimeoutAt: &timeoutAt})
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	if !s.requireRole(w, r, p, registry.RoleProvider) {
		return
	}
	reqs, err := s.engine.Poll(r.Context(), p.AgentID)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	out := wire.PollResponse{Requests: make([]wire.PendingRequest, 0, len(reqs))}
	for _, req := range reqs {
		out.Requests = append(out.Requests, wire.FromRequest(req))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) submitResponse(w http.ResponseWriter, r *http.Request, p *auth.Principal, env *wire.Envelope) {
	if !s.requireRole(w, r, p, registry.RoleProvider) {
		return
	}
	ans := engine.Answer{RequestID: env.RequestID, Output: env.Output}
	if env.Error != nil {
		ans = engine.Answer{RequestID: env.RequestID, Error: &engine.ProviderFailure{Message: env.Error.Message}}
	}
	if err := s.engine.Respond(r.Context(), p.AgentID, ans); err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.Ack{Status: wire.StatusAccepted, RequestID: env.RequestID})
}

func (s *Server) result(w http.ResponseWriter, r *http.Request, p *auth.Principal, requestID string) {
	if !s.requireRole(w, r, p, registry.RoleRequester) {
		return
	}
	res, err := s.engine.Result(r.Context(), p.AgentID, requestID)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	body := wire.FromResult(res)
	status := http.StatusOK
	if !body.Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, body)
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, p *auth.Principal, role string) bool {
	if p.HasRole(role) {
		return true
	}
	s.errs.WriteHTTP(w, r, errors.NewForbiddenError(fmt.Sprintf("agent %s lacks role %s", p.AgentID, role)))
	return false
}

// effectiveVisibility narrows the agent's subscriptions with the envelope's
// visibility list. An agent without subscriptions may name any providers.
func effectiveVisibility(p *auth.Principal, requested []string) ([]string, *errors.StandardError) {
	if len(requested) == 0 {
		return p.Subscriptions, nil
	}
	if len(p.Subscriptions) == 0 {
		return requested, nil
	}
	allowed := make(map[string]bool, len(p.Subscriptions))
	for _, id := range p.Subscriptions {
		allowed[id] = true
	}
	for _, id := range requested {
		if !allowed[id] {
			return nil, errors.NewForbiddenError(fmt.Sprintf("provider %s is outside the agent's subscriptions", id))
		}
	}
	return requested, nil
}
