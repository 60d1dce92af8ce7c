// SPDX-License-Identifier: AGPL-3.0-only

// Package actuator defines the browser-primitive contract the orchestrator
// drives: eight named operations, each forwarded to an external executor
// that owns the actual DOM.
package actuator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/chat"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/errors"
)

// Response is the outcome of one primitive. Screenshot responses carry the
// raw image bytes plus the viewport dimensions the image was captured at.
type Response struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`

	Image          []byte `json:"-"`
	ViewportWidth  int    `json:"viewportWidth,omitempty"`
	ViewportHeight int    `json:"viewportHeight,omitempty"`
}

// Text renders the response as the string handed back to the model.
func (r *Response) Text() string {
	if r.Error != "" {
		return "Error: " + r.Error
	}
	if r.Data != "" {
		return r.Data
	}
	return "OK"
}

// Actuator is the contract to the external browser executor. The
// orchestrator depends only on these primitives, never on how they are
// implemented.
type Actuator interface {
	Navigate(ctx context.Context, url string) (*Response, error)
	ClickElement(ctx context.Context, selector, text string) (*Response, error)
	Click(ctx context.Context, x, y float64) (*Response, error)
	Type(ctx context.Context, text, selector string) (*Response, error)
	Scroll(ctx context.Context, direction string, amount int) (*Response, error)
	GetPageContext(ctx context.Context) (*Response, error)
	Screenshot(ctx context.Context) (*Response, error)
	PressKey(ctx context.Context, key string) (*Response, error)
}

// Tool names as they appear in the catalog.
const (
	ToolNavigate       = "navigate"
	ToolClickElement   = "clickElement"
	ToolClick          = "click"
	ToolType           = "type"
	ToolScroll         = "scroll"
	ToolGetPageContext = "getPageContext"
	ToolScreenshot     = "screenshot"
	ToolPressKey       = "pressKey"
)

func objSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

func strProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func numProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": description}
}

// Definitions returns the fixed actuator tool set presented to the model.
func Definitions() []chat.ToolDefinition {
	return []chat.ToolDefinition{
		{
			Name:        ToolNavigate,
			Description: "Navigate the browser to a URL.",
			Parameters: objSchema(map[string]interface{}{
				"url": strProp("Absolute URL to load"),
			}, "url"),
		},
		{
			Name:        ToolClickElement,
			Description: "Click the element matching a CSS selector or its visible text.",
			Parameters: objSchema(map[string]interface{}{
				"selector": strProp("CSS selector of the element"),
				"text":     strProp("Visible text of the element, used when no selector is given"),
			}),
		},
		{
			Name:        ToolClick,
			Description: "Click at viewport coordinates. Coordinates measured on a screenshot must be converted with the scale factors reported alongside it.",
			Parameters: objSchema(map[string]interface{}{
				"x": numProp("Horizontal viewport coordinate in pixels"),
				"y": numProp("Vertical viewport coordinate in pixels"),
			}, "x", "y"),
		},
		{
			Name:        ToolType,
			Description: "Type text into the focused element, or into the element matching a selector.",
			Parameters: objSchema(map[string]interface{}{
				"text":     strProp("Text to type"),
				"selector": strProp("Optional CSS selector of the target input"),
			}, "text"),
		},
		{
			Name:        ToolScroll,
			Description: "Scroll the page.",
			Parameters: objSchema(map[string]interface{}{
				"direction": map[string]interface{}{
					"type":        "string",
					"description": "Scroll direction",
					"enum":        []interface{}{"up", "down", "left", "right"},
				},
				"amount": numProp("Scroll distance in pixels; defaults to one viewport"),
			}, "direction"),
		},
		{
			Name:        ToolGetPageContext,
			Description: "Return the current page URL, title, and a text rendering of the visible DOM.",
			Parameters:  objSchema(map[string]interface{}{}),
		},
		{
			Name:        ToolScreenshot,
			Description: "Capture a screenshot of the current viewport.",
			Parameters:  objSchema(map[string]interface{}{}),
		},
		{
			Name:        ToolPressKey,
			Description: "Press a keyboard key, such as Enter, Tab, or Escape.",
			Parameters: objSchema(map[string]interface{}{
				"key": strProp("Key name to press"),
			}, "key"),
		},
	}
}

// Dispatch maps one model tool call onto the actuator interface.
func Dispatch(ctx context.Context, act Actuator, call chat.ToolCall) (*Response, error) {
	var args map[string]interface{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, errors.InvalidInput(fmt.Sprintf("malformed arguments for %s: %v", call.Name, err))
		}
	}
	getString := func(key string) string {
		v, _ := args[key].(string)
		return v
	}
	getNumber := func(key string) float64 {
		v, _ := args[key].(float64)
		return v
	}

	switch call.Name {
	case ToolNavigate:
		url := getString("url")
		if url == "" {
			return nil, errors.InvalidInput("navigate requires a url")
		}
		return act.Navigate(ctx, url)
	case ToolClickElement:
		selector, text := getString("selector"), getString("text")
		if selector == "" && text == "" {
			return nil, errors.InvalidInput("clickElement requires a selector or text")
		}
		return act.ClickElement(ctx, selector, text)
	case ToolClick:
		return act.Click(ctx, getNumber("x"), getNumber("y"))
	case ToolType:
		text := getString("text")
		if text == "" {
			return nil, errors.InvalidInput("type requires text")
		}
		return act.Type(ctx, text, getString("selector"))
	case ToolScroll:
		direction := getString("direction")
		if direction == "" {
			return nil, errors.InvalidInput("scroll requires a direction")
		}
		return act.Scroll(ctx, direction, int(getNumber("amount")))
	case ToolGetPageContext:
		return act.GetPageContext(ctx)
	case ToolScreenshot:
		return act.Screenshot(ctx)
	case ToolPressKey:
		key := getString("key")
		if key == "" {
			return nil, errors.InvalidInput("pressKey requires a key")
		}
		return act.PressKey(ctx, key)
	default:
		return nil, errors.NotFound("actuator tool", call.Name)
	}
}
