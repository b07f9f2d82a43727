package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/techops-services/keeperhub-sub010/engine/core"
	"github.com/techops-services/keeperhub-sub010/engine/infra/hubapi"
	"github.com/techops-services/keeperhub-sub010/engine/workflow"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
)

// RegisterBuiltins binds the built-in step behaviors. The hub client is
// shared across all hub_api steps in the process.
func RegisterBuiltins(reg *Registry, hub *hubapi.Client) {
	reg.Register("hub_api", hubAPIStep(hub))
	reg.Register("http_request", httpRequestStep())
	reg.Register("noop", noopStep)
	reg.Register("log", logStep)
}

// hubAPIStep calls the platform API through the authenticated client.
// Config: method (GET|POST), path, body (POST only).
func hubAPIStep(hub *hubapi.Client) StepFunc {
	return func(ctx context.Context, node workflow.Node, config map[string]any) (core.Output, error) {
		method, err := stringField(config, "method")
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		path, err := stringField(config, "path")
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		var response any
		switch method {
		case http.MethodGet:
			err = hub.Get(ctx, path, &response)
		case http.MethodPost:
			err = hub.Post(ctx, path, config["body"], &response)
		default:
			return nil, fmt.Errorf("node %s: unsupported hub_api method %q", node.ID, method)
		}
		if err != nil {
			return nil, err
		}
		return core.Output{"response": response}, nil
	}
}

// httpRequestStep calls an external URL with a per-call timeout. Config:
// method, url, body (optional), timeout (duration string). Transport
// failures are transient; response statuses reuse the remote-call
// classification.
func httpRequestStep() StepFunc {
	client := resty.New()
	return func(ctx context.Context, node workflow.Node, config map[string]any) (core.Output, error) {
		method, err := stringField(config, "method")
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		url, err := stringField(config, "url")
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		timeout, err := timeoutField(config)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req := client.R().SetContext(callCtx)
		if body, ok := config["body"]; ok && body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, url)
		if err != nil {
			return nil, Transient(fmt.Errorf("calling %s %s: %w", method, url, err))
		}
		if resp.IsError() {
			return nil, &hubapi.RemoteCallError{Status: resp.StatusCode(), Body: string(resp.Body())}
		}
		return core.Output{
			"status": resp.StatusCode(),
			"body":   string(resp.Body()),
		}, nil
	}
}

// noopStep succeeds immediately, echoing its resolved config. Used as a
// placeholder on disabled branches and in tests.
func noopStep(_ context.Context, _ workflow.Node, config map[string]any) (core.Output, error) {
	return core.Output{"config": config}, nil
}

// logStep writes the configured message to the process log. Config:
// message, level (debug|info|warn, default info).
func logStep(ctx context.Context, node workflow.Node, config map[string]any) (core.Output, error) {
	message, err := stringField(config, "message")
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}
	log := logger.FromContext(ctx)
	level, _ := config["level"].(string)
	switch level {
	case "debug":
		log.Debug(message, "node_id", node.ID)
	case "warn":
		log.Warn(message, "node_id", node.ID)
	default:
		log.Info(message, "node_id", node.ID)
	}
	return core.Output{"message": message}, nil
}

func stringField(config map[string]any, key string) (string, error) {
	value, ok := config[key]
	if !ok {
		return "", fmt.Errorf("config field %q is required", key)
	}
	s, ok := value.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("config field %q must be a non-empty string", key)
	}
	return s, nil
}

func timeoutField(config map[string]any) (time.Duration, error) {
	raw, ok := config["timeout"].(string)
	if !ok || raw == "" {
		return 30 * time.Second, nil
	}
	timeout, err := core.ParseHumanDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config field \"timeout\": %w", err)
	}
	return timeout, nil
}
