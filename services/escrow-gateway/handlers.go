package escrowgateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/gateway/middleware"
	"valyra/native/escrow"
)

const defaultEventPage = 100

// Read handlers.

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, newParamsView(s.engine.Params(), s.engine.Governance(), s.engine.Vault()))
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	split, err := s.engine.CalculateFees(amount)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, newFeesView(amount, split, s.engine.Params().TransitionRetainerBps))
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	esc, err := s.engine.Escrow(r.Context(), id)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, newEscrowView(esc))
}

func (s *Server) handleDisputeGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	d, err := s.engine.Dispute(r.Context(), id)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, newDisputeView(d))
}

func (s *Server) handleHoldGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	h, err := s.engine.TransitionHold(r.Context(), id)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, newHoldView(h))
}

func (s *Server) handleOfferGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	o, err := s.engine.Offer(r.Context(), id)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, newOfferView(o))
}

type eventsResponse struct {
	Events []IndexedEvent `json:"events"`
	Next   uint64         `json:"next"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query, err := parseEventQuery(r)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	list, err := s.store.Events(r.Context(), query)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	next := query.After
	if len(list) > 0 {
		next = list[len(list)-1].Sequence
	}
	if list == nil {
		list = []IndexedEvent{}
	}
	s.writeJSON(w, r, http.StatusOK, eventsResponse{Events: list, Next: next})
}

// parseEventQuery reads after, limit and escrowId from the query string.
func parseEventQuery(r *http.Request) (EventQuery, error) {
	query := EventQuery{Limit: defaultEventPage}
	values := r.URL.Query()
	if raw := values.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return EventQuery{}, badRequest("after must be an unsigned integer")
		}
		query.After = after
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return EventQuery{}, badRequest("limit must be a positive integer")
		}
		query.Limit = limit
	}
	if raw := values.Get("escrowId"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			return EventQuery{}, badRequest("escrowId must be a positive integer")
		}
		query.EscrowID = id
	}
	return query, nil
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.PrincipalFromContext(r.Context())
	if caller != s.engine.Governance().Owner {
		s.writeReadError(w, r, fmt.Errorf("%w: audit log is restricted to the owner", escrow.ErrAuthorization))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeReadError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	entries, err := s.store.RecentAudit(r.Context(), limit)
	if err != nil {
		s.writeReadError(w, r, err)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"entries": entries})
}

// Escrow lifecycle.

type createdResponse struct {
	ID uint64 `json:"id"`
}

func (s *Server) deposit(ctx context.Context, caller common.Address, _ *http.Request, body []byte) (int, any, error) {
	var req DepositRequest
	if err := decodeJSON(body, &req); err != nil {
		return 0, nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return 0, nil, err
	}
	method, err := parseMethod(req.EncryptionMethod)
	if err != nil {
		return 0, nil, err
	}
	id, err := s.engine.Deposit(ctx, caller, req.ListingID, amount, method)
	if err != nil {
		return 0, nil, err
	}
	return s.escrowCreated(ctx, id)
}

func (s *Server) escrowCreated(ctx context.Context, id uint64) (int, any, error) {
	esc, err := s.engine.Escrow(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, newEscrowView(esc), nil
}

// escrowAction adapts an engine call that takes only caller and escrow id and
// answers with the refreshed escrow view.
func (s *Server) escrowAction(ctx context.Context, r *http.Request, call func(id uint64) error) (int, any, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, err
	}
	if err := call(id); err != nil {
		return 0, nil, err
	}
	esc, err := s.engine.Escrow(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, newEscrowView(esc), nil
}

func (s *Server) completeFunding(ctx context.Context, caller common.Address, r *http.Request, _ []byte) (int, any, error) {
	return s.escrowAction(ctx, r, func(id uint64) error {
		return s.engine.CompleteFunding(ctx, caller, id)
	})
}

func (s *Server) uploadCredentials(ctx context.Context, caller common.Address, r *http.Request, body []byte) (int, any, error) {
	var req CredentialRequest
	if err := decodeJSON(body, &req); err != nil {
		return 0, nil, err
	}
	hash, err := parseHash("credentialHash", req.CredentialHash)
	if err != nil {
		return 0, nil, err
	}
	return s.escrowAction(ctx, r, func(id uint64) error {
		if err := s.engine.UploadCredentialHash(ctx, caller, id, hash); err != nil {
			return err
		}
		s.logReference(ctx, "credential hash recorded", id, "credentialHash", hash.Hex())
		return nil
	})
}

func (s *Server) extendVerification(ctx context.Context, caller common.Address, r *http.Request, _ []byte) (int, any, error) {
	return s.escrowAction(ctx, r, func(id uint64) error {
		return s.engine.RequestVerificationExtension(ctx, caller, id)
	})
}

func (s *Server) confirmReceipt(ctx context.Context, caller common.Address, r *http.Request, _ []byte) (int, any, error) {
	return s.escrowAction(ctx, r, func(id uint64) error {
		return s.engine.ConfirmReceipt(ctx, caller, id)
	})
}

func (s *Server) claimTimeout(ctx context.Context, caller common.Address, r *http.Request, _ []byte) (int, any, error) {
	return s.escrowAction(ctx, r, func(id uint64) error {
		_, err := s.engine.ClaimTimeout(ctx, caller, id)
		return err
	})
}

// Disputes.

func (s *Server) raiseDispute(ctx context.Context, caller common.Address, r *http.Request, body []byte) (int, any, error) {
	var req DisputeRequest
	if err := decodeJSON(body, &req); err != nil {
		return 0, nil, err
	}
	kind, err := escrow.ParseDisputeType(strings.TrimSpace(req.Type))
	if err != nil {
		return 0, nil, err
	}
	id, err := pathID(r)
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.RaiseDispute(ctx, caller, id, kind, req.Evidence); err != nil {
		return 0, nil, err
	}
	return s.disputeView(ctx, id)
}

func (s *Server) respondToDispute(ctx context.Context, caller common.Address, r *http.Request, body []byte) (int, any, error) {
	var req DisputeResponseRequest
	if err := decodeJSON(body, &req); err != nil {
		return 0, nil, err
	}
	id, err := pathID(r)
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.RespondToDispute(ctx, caller, id, req.Response); err != nil {
		return 0, nil, err
	}
	return s.disputeView(ctx, id)
}

func (s *Server) resolveDispute(ctx context.Context, caller common.Address, r *http.Request, body []byte) (int, any, error) {
	var req ResolveRequest
	if err := decodeJSON(body, &req); err != nil {
		return 0, nil, err
	}
	resolution, err := escrow.ParseDisputeResolution(strings.TrimSpace(req.Resolution))
	if err != nil {
		return 0, nil, err
	}
	id, err := pathID(r)
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.ResolveDispute(ctx, caller, id, resolution, req.RefundPercent); err != nil {
		return 0, nil, err
	}
	return s.disputeView(ctx, id)
}

func (s *Server) disputeView(ctx context.Context, id uint64) (int, any, error) {
	d, err := s.engine.Dispute(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, newDisputeView(d), nil
}

// Transition holds.

func (s *Server) reportIssue(ctx context.Context, caller common.Address, r *http.Request, body []byte) (int, any, error) {
	var req IssueRequest
	if err := decodeJSON(body, &req); err != nil {
		return 0, nil, err
	}
	id, err := pathID(r)
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.ReportTransitionIssue(ctx, caller, id, req.Issue); err != nil {
		return 0, nil, err
	}
	return s.holdView(ctx, id)
}

func (s *Server) adminRelease(ctx context.Context, caller common.Address, r *http.Request, _ []byte) (int, any, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.AdminReleaseRetainer(ctx, caller, id); err != nil {
		return 0, nil, err
	}
	return s.holdView(ctx, id)
}

type payoutResponse struct {
	ID     uint64 `json:"id"`
	Amount string `json:"amount"`
}

func (s *Server) claimRetainer(ctx context.Context, caller common.Address, r *http.Request, _ []byte) (int, any, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, err
	}
	paid, err := s.engine.ClaimTransitionRetainer(ctx, caller, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, payoutResponse{ID: id, Amount: decimal(paid)}, nil
}

func (s *Server) holdView(ctx context.Context, id uint64) (int, any, error) {
	h, err := s.engine.TransitionHold(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, newHoldView(h), nil
}

func (s *Server) emergencyWithdraw(ctx context.Context, caller common.Address, r *http.Request, _ []byte) (int, any, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, err
	}
	refund, err := s.engine.EmergencyWithdraw(ctx, caller, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, payoutResponse{ID: id, Amount: decimal(refund)}, nil
}

// Offers.

func (s *Server) makeOffer(ctx context.Context, caller common.Address, _ *http.Request, body []byte) (int, any, error) {
	var req OfferRequest
	if err := decodeJSON(body, &req); err != nil {
		return 0, nil, err
	}
	price, err := parseAmount("offerPrice", req.OfferPrice)
	if err != nil {
		return 0, nil, err
	}
	deposit, err := parseAmount("depositAmount", req.DepositAmount)
	if err != nil {
		return 0, nil, err
	}
	id, err := s.engine.MakeOffer(ctx, caller, req.ListingID, price, deposit)
	if err != nil {
		return 0, nil, err
	}
	o, err := s.engine.Offer(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, newOfferView(o), nil
}

func (s *Server) acceptOffer(ctx context.Context, caller common.Address, r *http.Request, body []byte) (int, any, error) {
	var req AcceptOfferRequest
	if len(body) > 0 {
		if err := decodeJSON(body, &req); err != nil {
			return 0, nil, err
		}
	}
	method, err := parseMethod(req.EncryptionMethod)
	if err != nil {
		return 0, nil, err
	}
	offerID, err := pathID(r)
	if err != nil {
		return 0, nil, err
	}
	escrowID, err := s.engine.AcceptOffer(ctx, caller, offerID, method)
	if err != nil {
		return 0, nil, err
	}
	return s.escrowCreated(ctx, escrowID)
}

func (s *Server) rejectOffer(ctx context.Context, caller common.Address, r *http.Request, _ []byte) (int, any, error) {
	return s.offerAction(ctx, r, func(id uint64) error {
		return s.engine.RejectOffer(ctx, caller, id)
	})
}

func (s *Server) cancelOffer(ctx context.Context, caller common.Address, r *http.Request, _ []byte) (int, any, error) {
	return s.offerAction(ctx, r, func(id uint64) error {
		return s.engine.CancelOffer(ctx, caller, id)
	})
}

func (s *Server) offerAction(ctx context.Context, r *http.Request, call func(id uint64) error) (int, any, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, err
	}
	if err := call(id); err != nil {
		return 0, nil, err
	}
	o, err := s.engine.Offer(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, newOfferView(o), nil
}

// Administration. Each answers with the refreshed parameter view.

func (s *Server) paramsView() (int, any, error) {
	return http.StatusOK, newParamsView(s.engine.Params(), s.engine.Governance(), s.engine.Vault()), nil
}

func (s *Server) adminCall(call func() error) (int, any, error) {
	if err := call(); err != nil {
		return 0, nil, err
	}
	return s.paramsView()
}

func (s *Server) activateEmergency(ctx context.Context, caller common.Address, _ *http.Request, _ []byte) (int, any, error) {
	return s.adminCall(func() error { return s.engine.ActivateEmergency(ctx, caller) })
}

func (s *Server) deactivateEmergency(ctx context.Context, caller common.Address, _ *http.Request, _ []byte) (int, any, error) {
	return s.adminCall(func() error { return s.engine.DeactivateEmergency(ctx, caller) })
}

func (s *Server) pause(ctx context.Context, caller common.Address, _ *http.Request, _ []byte) (int, any, error) {
	return s.adminCall(func() error { return s.engine.Pause(ctx, caller) })
}

func (s *Server) unpause(ctx context.Context, caller common.Address, _ *http.Request, _ []byte) (int, any, error) {
	return s.adminCall(func() error { return s.engine.Unpause(ctx, caller) })
}

// addressCall decodes an AddressRequest and hands the address to call.
func (s *Server) addressCall(body []byte, call func(common.Address) error) (int, any, error) {
	var req AddressRequest
	if err := decodeJSON(body, &req); err != nil {
		return 0, nil, err
	}
	addr, err := parseAccount("address", req.Address)
	if err != nil {
		return 0, nil, err
	}
	return s.adminCall(func() error { return call(addr) })
}

func (s *Server) setTreasury(ctx context.Context, caller common.Address, _ *http.Request, body []byte) (int, any, error) {
	return s.addressCall(body, func(addr common.Address) error {
		return s.engine.SetTreasury(ctx, caller, addr)
	})
}

func (s *Server) transferOwnership(ctx context.Context, caller common.Address, _ *http.Request, body []byte) (int, any, error) {
	return s.addressCall(body, func(addr common.Address) error {
		return s.engine.TransferOwnership(ctx, caller, addr)
	})
}

func (s *Server) addResolver(ctx context.Context, caller common.Address, _ *http.Request, body []byte) (int, any, error) {
	return s.addressCall(body, func(addr common.Address) error {
		return s.engine.AddResolver(ctx, caller, addr)
	})
}

func (s *Server) removeResolver(ctx context.Context, caller common.Address, _ *http.Request, body []byte) (int, any, error) {
	return s.addressCall(body, func(addr common.Address) error {
		return s.engine.RemoveResolver(ctx, caller, addr)
	})
}

func (s *Server) setTransitionPeriod(ctx context.Context, caller common.Address, _ *http.Request, body []byte) (int, any, error) {
	var req PeriodRequest
	if err := decodeJSON(body, &req); err != nil {
		return 0, nil, err
	}
	period, err := time.ParseDuration(strings.TrimSpace(req.Period))
	if err != nil {
		return 0, nil, badRequest("period must be a duration such as 720h")
	}
	return s.adminCall(func() error { return s.engine.SetTransitionPeriod(ctx, caller, period) })
}
