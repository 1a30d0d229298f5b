// Package deploy submits deployment specs to the upstream on behalf of a
// live session.
package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/console-relay/backend/internal/relay"
)

// ErrEmptySpec is returned when there is nothing to deploy.
var ErrEmptySpec = errors.New("deployment spec is empty")

// SessionHandle is the part of a live session a Deployer may use: one
// request/response exchange with the upstream, multiplexed with the
// browser's own traffic.
type SessionHandle interface {
	ID() string
	Call(ctx context.Context, request relay.Message) (relay.Message, error)
}

// Result is the outcome of a deployment. A deployment the upstream refused
// is a Result with OK false; an error return means the request never got an
// answer.
type Result struct {
	OK           bool   `json:"ok"`
	DeploymentID string `json:"deploymentId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Deployer applies an opaque deployment spec through a session.
type Deployer interface {
	Deploy(ctx context.Context, spec []byte, h SessionHandle) (*Result, error)
}

// RPCDeployer sends the deployment spec to the upstream's deployer facade.
type RPCDeployer struct {
	facade  string
	request string
}

// NewRPCDeployer creates a deployer that issues Deployer.Import calls.
func NewRPCDeployer() *RPCDeployer {
	return &RPCDeployer{facade: "Deployer", request: "Import"}
}

// Deploy sends spec and maps the upstream's answer to a Result.
func (d *RPCDeployer) Deploy(ctx context.Context, spec []byte, h SessionHandle) (*Result, error) {
	if len(spec) == 0 {
		return nil, ErrEmptySpec
	}

	response, err := h.Call(ctx, relay.Message{
		"Type":    d.facade,
		"Request": d.request,
		"Params":  map[string]any{"YAML": string(spec)},
	})
	if err != nil {
		return nil, fmt.Errorf("deploy via session %s: %w", h.ID(), err)
	}

	if errText, ok := response["Error"].(string); ok && errText != "" {
		return &Result{OK: false, Error: errText}, nil
	}

	result := &Result{OK: true}
	if body, ok := response["Response"].(map[string]any); ok {
		if id, ok := body["DeploymentId"].(string); ok {
			result.DeploymentID = id
		}
		if errText, ok := body["Error"].(string); ok && errText != "" {
			result.OK = false
			result.Error = errText
		}
	}
	return result, nil
}
