// Package entity contains the domain types exchanged between warmlsp clients and the daemon.
package entity

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Action names a daemon operation.
type Action string

// Actions accepted in a Request.
const (
	ActionDefinition       Action = "definition"
	ActionTypeDefinition   Action = "type-definition"
	ActionImplementation   Action = "implementation"
	ActionReferences       Action = "references"
	ActionHover            Action = "hover"
	ActionSymbols          Action = "symbols"
	ActionWorkspaceSymbols Action = "workspace-symbols"
	ActionDiagnostics      Action = "diagnostics"
	ActionStatus           Action = "status"
	ActionStopSession      Action = "stop-session"
	ActionStop             Action = "stop"
)

// NeedsProject reports whether the action operates on a project Session.
func (a Action) NeedsProject() bool {
	switch a {
	case ActionStatus, ActionStop:
		return false
	}
	return true
}

// NeedsSession reports whether the action must start a Session when none is running.
func (a Action) NeedsSession() bool {
	return a.NeedsProject() && a != ActionStopSession
}

// Request is the single JSON object a client writes after connecting.
type Request struct {
	Action      Action   `json:"action" validate:"required,oneof=definition type-definition implementation references hover symbols workspace-symbols diagnostics status stop-session stop"`
	ProjectRoot string   `json:"projectRoot" validate:"max=4096"`
	Args        []string `json:"args" validate:"max=256,dive,max=4096"`
	Verbose     bool     `json:"verbose,omitempty"`
}

var (
	_validatorOnce sync.Once
	_validate      *validator.Validate
)

func requestValidator() *validator.Validate {
	_validatorOnce.Do(func() {
		_validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return _validate
}

// Validate checks the shape of the request.
func (r *Request) Validate() error {
	if err := requestValidator().Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid field %q: failed %q validation", first.Field(), first.Tag())
		}
		return err
	}
	if r.Action.NeedsProject() && r.ProjectRoot == "" {
		return fmt.Errorf("action %q requires a projectRoot", r.Action)
	}
	return nil
}
