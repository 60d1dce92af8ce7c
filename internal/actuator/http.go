// SPDX-License-Identifier: AGPL-3.0-only
package actuator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/config"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/errors"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
)

// HTTPActuator forwards each primitive as POST {action, params} to the
// extension-host bridge.
type HTTPActuator struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *logging.Logger
}

// NewHTTPActuator creates an actuator client for the configured bridge URL.
func NewHTTPActuator(cfg config.ActuatorConfig, logger *logging.Logger) *HTTPActuator {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPActuator{
		url:     cfg.URL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// wireRequest is the bridge request envelope.
type wireRequest struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// wireResponse is the bridge response envelope. Screenshots travel as
// base64 in the screenshot field.
type wireResponse struct {
	Success        bool   `json:"success"`
	Data           string `json:"data,omitempty"`
	Error          string `json:"error,omitempty"`
	Screenshot     string `json:"screenshot,omitempty"`
	ViewportWidth  int    `json:"viewportWidth,omitempty"`
	ViewportHeight int    `json:"viewportHeight,omitempty"`
}

func (a *HTTPActuator) do(ctx context.Context, action string, params map[string]interface{}) (*Response, error) {
	if a.url == "" {
		return nil, errors.InvalidInput("actuator URL is not configured")
	}
	body, err := json.Marshal(wireRequest{Action: action, Params: params})
	if err != nil {
		return nil, errors.Internal(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeout("actuator " + action)
		}
		return nil, errors.Transport("actuator bridge unreachable", err)
	}
	defer resp.Body.Close()
	a.logger.Debugf("Actuator %s completed in %s with status %d", action, time.Since(start), resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Transport("actuator bridge rejected the request",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, errors.Protocol("undecodable actuator response", err)
	}
	out := &Response{
		Success:        wire.Success,
		Data:           wire.Data,
		Error:          wire.Error,
		ViewportWidth:  wire.ViewportWidth,
		ViewportHeight: wire.ViewportHeight,
	}
	if wire.Screenshot != "" {
		image, err := base64.StdEncoding.DecodeString(wire.Screenshot)
		if err != nil {
			return nil, errors.Protocol("undecodable screenshot payload", err)
		}
		out.Image = image
	}
	return out, nil
}

func (a *HTTPActuator) Navigate(ctx context.Context, url string) (*Response, error) {
	return a.do(ctx, ToolNavigate, map[string]interface{}{"url": url})
}

func (a *HTTPActuator) ClickElement(ctx context.Context, selector, text string) (*Response, error) {
	params := map[string]interface{}{}
	if selector != "" {
		params["selector"] = selector
	}
	if text != "" {
		params["text"] = text
	}
	return a.do(ctx, ToolClickElement, params)
}

func (a *HTTPActuator) Click(ctx context.Context, x, y float64) (*Response, error) {
	return a.do(ctx, ToolClick, map[string]interface{}{"x": x, "y": y})
}

func (a *HTTPActuator) Type(ctx context.Context, text, selector string) (*Response, error) {
	params := map[string]interface{}{"text": text}
	if selector != "" {
		params["selector"] = selector
	}
	return a.do(ctx, ToolType, params)
}

func (a *HTTPActuator) Scroll(ctx context.Context, direction string, amount int) (*Response, error) {
	params := map[string]interface{}{"direction": direction}
	if amount > 0 {
		params["amount"] = amount
	}
	return a.do(ctx, ToolScroll, params)
}

func (a *HTTPActuator) GetPageContext(ctx context.Context) (*Response, error) {
	return a.do(ctx, ToolGetPageContext, nil)
}

func (a *HTTPActuator) Screenshot(ctx context.Context) (*Response, error) {
	return a.do(ctx, ToolScreenshot, nil)
}

func (a *HTTPActuator) PressKey(ctx context.Context, key string) (*Response, error) {
	return a.do(ctx, ToolPressKey, map[string]interface{}{"key": key})
}
