package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/decisio/decisio/pkg/kernel"
)

// RemoteOptions configures the HTTP collaborator set.
type RemoteOptions struct {
	// BaseURL is the collaborator service root, e.g. "https://collab.internal:8443".
	BaseURL string
	// AuthToken, when set, is sent as a bearer token on every request.
	AuthToken string
	// Client is the HTTP client to use. A default with a 2 minute timeout is
	// used when nil; per-stage deadlines still come from the request context.
	Client *http.Client
}

// NewRemoteCollaborators returns a collaborator set backed by an HTTP
// collaborator service. Each stage is a POST to /v1/collaborators/<stage>.
func NewRemoteCollaborators(opts RemoteOptions) kernel.Collaborators {
	rc := &remoteClient{opts: opts}
	if rc.opts.Client == nil {
		rc.opts.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	rc.opts.BaseURL = strings.TrimRight(rc.opts.BaseURL, "/")
	return kernel.Collaborators{
		Compiler:      &remoteCompiler{rc},
		Forecaster:    &remoteStage{rc, kernel.StageForecast},
		Optimizer:     &remoteStage{rc, kernel.StageOptimize},
		Diagnostician: &remoteStage{rc, kernel.StageDiagnose},
		Explainer:     &remoteStage{rc, kernel.StageExplain},
	}
}

type remoteClient struct {
	opts RemoteOptions
}

// collaboratorResponse is the wire shape collaborator services reply with.
// Failures carry a self-classified error so the kernel retries only what the
// collaborator itself declares transient.
type collaboratorResponse struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *remoteError    `json:"error,omitempty"`
}

type remoteError struct {
	Class   string `json:"class"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (c *remoteClient) call(ctx context.Context, stage kernel.StageKind, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, kernel.NewTerminalError("encode collaborator request", err)
	}

	url := fmt.Sprintf("%s/v1/collaborators/%s", c.opts.BaseURL, stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, kernel.NewTerminalError("build collaborator request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.AuthToken)
	}

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, kernel.NewTransientError("collaborator service unreachable", err)
	}
	defer resp.Body.Close()

	decoded := collaboratorResponse{}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, kernel.NewTransientError("read collaborator response", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, kernel.NewTransientError(
				fmt.Sprintf("malformed collaborator response (status %d)", resp.StatusCode), err)
		}
	}

	if resp.StatusCode == http.StatusOK && decoded.Error == nil {
		return decoded.Payload, nil
	}
	return nil, c.classify(resp.StatusCode, decoded.Error)
}

// classify maps a collaborator failure onto the kernel error taxonomy. The
// collaborator's own classification wins when present; otherwise the HTTP
// status decides (429 throttled, 5xx transient, anything else terminal).
func (c *remoteClient) classify(status int, re *remoteError) error {
	msg := fmt.Sprintf("collaborator returned status %d", status)
	code := ""
	class := ""
	if re != nil {
		msg = re.Message
		code = re.Code
		class = re.Class
	}

	var err *kernel.Error
	switch {
	case class == "transient":
		err = kernel.NewTransientError(msg, nil)
	case class == "throttled" || status == http.StatusTooManyRequests:
		err = kernel.NewThrottledError(msg)
	case class == "terminal":
		err = kernel.NewTerminalError(msg, nil)
	case status >= 500:
		err = kernel.NewTransientError(msg, nil)
	default:
		err = kernel.NewTerminalError(msg, nil)
	}
	if code != "" {
		err = err.WithCode(code)
	}
	return err
}

type remoteCompiler struct {
	client *remoteClient
}

func (r *remoteCompiler) Compile(ctx context.Context, goal kernel.Goal) (json.RawMessage, error) {
	return r.client.call(ctx, kernel.StageCompile, map[string]any{"goal": goal})
}

// remoteStage covers the four stages whose input is an opaque payload.
type remoteStage struct {
	client *remoteClient
	stage  kernel.StageKind
}

func (r *remoteStage) Forecast(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return r.client.call(ctx, r.stage, map[string]any{"input": input})
}

func (r *remoteStage) Optimize(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return r.client.call(ctx, r.stage, map[string]any{"input": input})
}

func (r *remoteStage) Diagnose(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return r.client.call(ctx, r.stage, map[string]any{"input": input})
}

func (r *remoteStage) Explain(ctx context.Context, outcome json.RawMessage) (json.RawMessage, error) {
	return r.client.call(ctx, r.stage, map[string]any{"outcome": outcome})
}
