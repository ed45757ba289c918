package daemon

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hiboss-dev/hiboss/internal/authz"
	"github.com/hiboss-dev/hiboss/internal/router"
	"github.com/hiboss-dev/hiboss/internal/store"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

// errInvalidParams wraps handler-level parameter violations.
var errInvalidParams = errors.New("invalid params")

func invalidParams(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errInvalidParams)...)
}

// mapError converts handler errors to wire error objects. Unrecognized
// errors become internal errors with their message intact; this is a
// single-user local socket, not a hostile boundary.
func (d *Daemon) mapError(err error) *protocol.ErrorObject {
	var ambiguous *store.AmbiguousPrefixError
	if errors.As(err, &ambiguous) {
		return &protocol.ErrorObject{
			Code:    protocol.CodeInvalidParams,
			Message: err.Error(),
			Data: protocol.AmbiguousPrefixData{
				Kind:       "ambiguous-id-prefix",
				Candidates: ambiguous.Candidates,
			},
		}
	}
	var delivery *router.DeliveryError
	if errors.As(err, &delivery) {
		return &protocol.ErrorObject{
			Code:    protocol.CodeInternal,
			Message: err.Error(),
			Data:    protocol.DeliveryErrorData{EnvelopeID: delivery.EnvelopeID},
		}
	}
	switch {
	case errors.Is(err, authz.ErrUnauthorized):
		return &protocol.ErrorObject{Code: protocol.CodeUnauthorized, Message: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return &protocol.ErrorObject{Code: protocol.CodeNotFound, Message: err.Error()}
	case errors.Is(err, store.ErrAlreadyExists):
		return &protocol.ErrorObject{Code: protocol.CodeAlreadyExists, Message: err.Error()}
	case errors.Is(err, store.ErrInvariant), errors.Is(err, errInvalidParams):
		return &protocol.ErrorObject{Code: protocol.CodeInvalidParams, Message: err.Error()}
	default:
		return &protocol.ErrorObject{Code: protocol.CodeInternal, Message: err.Error()}
	}
}

// decode unmarshals params into v, mapping JSON errors to invalid-params.
func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("malformed params: %v", err)
	}
	return nil
}

// tokenParams is the common token envelope every method carries.
type tokenParams struct {
	Token string `json:"token"`
}

// authorize resolves the caller and checks the operation's minimum level.
func (d *Daemon) authorize(params json.RawMessage, op string) (*authz.Principal, error) {
	var tp tokenParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &tp); err != nil {
			return nil, invalidParams("malformed params: %v", err)
		}
	}
	principal, err := d.authz.Resolve(tp.Token)
	if err != nil {
		return nil, err
	}
	if err := d.authz.Require(op, principal); err != nil {
		return nil, err
	}
	return principal, nil
}

func (d *Daemon) registerHandlers() {
	d.registerDaemonHandlers()
	d.registerAgentHandlers()
	d.registerEnvelopeHandlers()
	d.registerCronHandlers()
	d.registerMemoryHandlers()
}
