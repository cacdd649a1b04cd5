package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/maitre/internal/domain/supervisor"
	"github.com/GriffinCanCode/maitre/internal/protocol"
)

// Bodies written for failures. Callers only ever see a status and one of
// these.
const (
	textNotFound     = "Not found"
	textModuleError  = "Module error"
	textTimeout      = "Module timed out"
	textBadResponse  = "Invalid module response"
	textBodyTooLarge = "Request body too large"
	textUnreadable   = "Unreadable request body"
	contentTypeHTML  = "text/html; charset=utf-8"
	contentTypeJSON  = "application/json; charset=utf-8"
	moduleHeader     = "X-Maitre-Module"
	routeHeader      = "X-Maitre-Route"
)

// Proxy forwards a request to the module owning the first matching route.
// Paths no module claims fall through to static files, then 404.
func (h *Handlers) Proxy(c *gin.Context) {
	if isAdminPath(c.Request.URL.Path) {
		c.String(http.StatusNotFound, textNotFound)
		return
	}

	req, err := h.buildRequest(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.String(http.StatusRequestEntityTooLarge, textBodyTooLarge)
			return
		}
		c.String(http.StatusBadRequest, textUnreadable)
		return
	}

	route, resp, err := h.manager.Dispatch(c.Request.Context(), req)
	if errors.Is(err, supervisor.ErrNoRoute) {
		if h.static.Serve(c) {
			return
		}
		c.String(http.StatusNotFound, textNotFound)
		return
	}

	c.Header(moduleHeader, route.Module)
	c.Header(routeHeader, route.ID)
	if err != nil {
		h.fail(c, route, err)
		return
	}
	relay(c, resp)
}

func (h *Handlers) fail(c *gin.Context, route supervisor.Route, err error) {
	status, body := errorStatus(err)
	h.logger.Warn("module request failed",
		zap.String("module", route.Module),
		zap.String("route_id", route.ID),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	c.String(status, body)
}

// errorStatus maps dispatch failures onto HTTP.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, supervisor.ErrDispatchTimeout):
		return http.StatusGatewayTimeout, textTimeout
	case errors.Is(err, supervisor.ErrInvalidResponse):
		return http.StatusBadGateway, textBadResponse
	default:
		return http.StatusInternalServerError, textModuleError
	}
}

// relay writes a module response. A string output is HTML, anything else
// is JSON; headers set by the module take precedence.
func relay(c *gin.Context, resp protocol.Response) {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	for k, v := range resp.Headers {
		c.Header(k, v)
	}

	if text, ok := resp.OutputText(); ok {
		c.Data(status, contentTypeHTML, []byte(text))
		return
	}
	out := bytes.TrimSpace(resp.Output)
	if len(out) == 0 || bytes.Equal(out, []byte("null")) {
		c.Status(status)
		return
	}
	c.Data(status, contentTypeJSON, out)
}

func (h *Handlers) buildRequest(c *gin.Context) (supervisor.Request, error) {
	r := c.Request

	headers := make(map[string]string, len(r.Header)+1)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	if r.Host != "" {
		headers["host"] = r.Host
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(c.Writer, r.Body, h.maxBody))
		if err != nil {
			return supervisor.Request{}, err
		}
	}

	return supervisor.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: headers,
		Body:    EncodeBody(body),
	}, nil
}

// EncodeBody prepares a request body for the envelope: valid JSON is
// passed through, anything else becomes a JSON string, and an empty body
// is omitted.
func EncodeBody(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if sonic.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	data, err := sonic.ConfigStd.Marshal(string(body))
	if err != nil {
		return nil
	}
	return data
}

func isAdminPath(p string) bool {
	return strings.HasPrefix(p, AdminPrefix) || p == strings.TrimSuffix(AdminPrefix, "/")
}
