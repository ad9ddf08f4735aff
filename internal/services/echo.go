package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/pkg/dimse"
)

// EchoService answers C-ECHO requests.
type EchoService struct {
	Authorizer authz.Authorizer
	Audit      Auditor
}

func (s *EchoService) Handle(ctx context.Context, req *Request, rsp Responder) error {
	started := time.Now()
	status := dimse.StatusSuccess
	outcome := "success"
	if !s.Authorizer.IsAuthorized(req.Identity, authz.ServiceEcho) {
		status = dimse.StatusRefusedOutOfResources
		outcome = "refused"
	}
	log.Debug().
		Str("calling_aet", req.Identity.CallingAETitle).
		Str("outcome", outcome).
		Msg("C-ECHO")
	audit(ctx, s.Audit, req, "c-echo", "", outcome, started, "")
	return rsp.Send(req.Message.ResponseTo(status), nil)
}
