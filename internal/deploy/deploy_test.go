package deploy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/console-relay/backend/internal/relay"
)

type fakeHandle struct {
	request  relay.Message
	response relay.Message
	err      error
}

func (h *fakeHandle) ID() string { return "session-1" }

func (h *fakeHandle) Call(ctx context.Context, request relay.Message) (relay.Message, error) {
	h.request = request
	return h.response, h.err
}

func TestRPCDeployer_SendsImport(t *testing.T) {
	h := &fakeHandle{response: relay.Message{"Response": map[string]any{"DeploymentId": "dep-7"}}}

	result, err := NewRPCDeployer().Deploy(context.Background(), []byte("applications: {}"), h)
	require.NoError(t, err)
	assert.Equal(t, &Result{OK: true, DeploymentID: "dep-7"}, result)

	assert.Equal(t, "Deployer", h.request["Type"])
	assert.Equal(t, "Import", h.request["Request"])
	assert.Equal(t, map[string]any{"YAML": "applications: {}"}, h.request["Params"])
}

func TestRPCDeployer_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		response relay.Message
		want     string
	}{
		{"envelope error", relay.Message{"Error": "permission denied"}, "permission denied"},
		{"result error", relay.Message{"Response": map[string]any{"Error": "invalid bundle"}}, "invalid bundle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := NewRPCDeployer().Deploy(context.Background(), []byte("x"), &fakeHandle{response: tt.response})
			require.NoError(t, err)
			assert.False(t, result.OK)
			assert.Equal(t, tt.want, result.Error)
		})
	}
}

func TestRPCDeployer_CallFailure(t *testing.T) {
	callErr := errors.New("session closed")
	_, err := NewRPCDeployer().Deploy(context.Background(), []byte("x"), &fakeHandle{err: callErr})
	assert.ErrorIs(t, err, callErr)
}

func TestRPCDeployer_EmptySpec(t *testing.T) {
	h := &fakeHandle{}
	_, err := NewRPCDeployer().Deploy(context.Background(), nil, h)
	assert.ErrorIs(t, err, ErrEmptySpec)
	assert.Nil(t, h.request, "nothing should be sent")
}
