package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kstaniek/go-uds-server/internal/action"
	"github.com/kstaniek/go-uds-server/internal/firmware"
)

// errorBody is the payload of requests rejected before reaching an action.
type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// statusFor maps an action outcome to an HTTP status.
func statusFor(k action.Kind) int {
	switch k {
	case action.Invalid:
		return http.StatusBadRequest
	case action.Fault:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func badRequest(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusBadRequest, errorBody{Status: action.StatusError, Message: fmt.Sprintf(format, args...)})
}

// bindJSON decodes the request body into v.
func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) handleRequestIDs(c *gin.Context) {
	res := s.actions.Discover(c.Request.Context())
	c.JSON(statusFor(res.Kind), res)
}

type updateBody struct {
	ECUID    *uint32 `json:"ecu_id"`
	Version  string  `json:"version"`
	Data     string  `json:"data,omitempty"`
	Firmware string  `json:"firmware,omitempty"`
}

func (s *Server) handleUpdate(c *gin.Context) {
	var body updateBody
	if err := bindJSON(c, &body); err != nil {
		badRequest(c, "%v", err)
		return
	}
	if body.ECUID == nil {
		badRequest(c, "ecu_id is required")
		return
	}
	payload, err := s.updatePayload(body)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	res := s.actions.Update(c.Request.Context(), action.UpdateRequest{ECU: *body.ECUID, Version: body.Version, Payload: payload})
	c.JSON(statusFor(res.Kind), res)
}

func (s *Server) updatePayload(body updateBody) ([]byte, error) {
	switch {
	case body.Data != "" && body.Firmware != "":
		return nil, errors.New("data and firmware are mutually exclusive")
	case body.Firmware != "":
		if s.firmwareDir == "" {
			return nil, errors.New("firmware images are not enabled")
		}
		im, err := firmware.Load(s.firmwareDir, body.Firmware)
		if err != nil {
			return nil, err
		}
		return im.Payload(), nil
	case body.Data != "":
		return parseByteList(body.Data)
	default:
		return nil, nil
	}
}

// parseByteList parses "01,0x02,ff" into bytes.
func parseByteList(s string) ([]byte, error) {
	parts := strings.Split(s, ",")
	out := make([]byte, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(strings.TrimPrefix(p, "0x"), "0X")
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("data: bad byte %q", p)
		}
		out = append(out, byte(b))
	}
	if len(out) > firmware.MaxImageSize {
		return nil, fmt.Errorf("data: %d bytes exceeds %d", len(out), firmware.MaxImageSize)
	}
	return out, nil
}

// ecuParam reads the optional ecu_id query parameter (decimal or 0x-prefixed hex).
func (s *Server) ecuParam(c *gin.Context) (uint32, error) {
	v := c.Query("ecu_id")
	if v == "" {
		return s.defaultECU, nil
	}
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("ecu_id: %q is not a number", v)
	}
	return uint32(n), nil
}

func (s *Server) handleRead(group string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ecu, err := s.ecuParam(c)
		if err != nil {
			badRequest(c, "%v", err)
			return
		}
		res := s.actions.ReadGroup(c.Request.Context(), s.actions.Address(ecu), group)
		c.JSON(statusFor(res.Kind), res)
	}
}

func (s *Server) handleWrite(group string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ecu, err := s.ecuParam(c)
		if err != nil {
			badRequest(c, "%v", err)
			return
		}
		var raw map[string]json.RawMessage
		if err := bindJSON(c, &raw); err != nil {
			badRequest(c, "%v", err)
			return
		}
		values, err := hexValues(raw)
		if err != nil {
			badRequest(c, "%v", err)
			return
		}
		res := s.actions.WriteGroup(c.Request.Context(), s.actions.Address(ecu), group, values)
		c.JSON(statusFor(res.Kind), res)
	}
}

// hexValues accepts hex strings or non-negative integers per field.
func hexValues(raw map[string]json.RawMessage) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			out[k] = str
			continue
		}
		var n uint64
		if err := json.Unmarshal(v, &n); err == nil {
			out[k] = strconv.FormatUint(n, 16)
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			out[k] = "00"
			if b {
				out[k] = "01"
			}
			continue
		}
		return nil, fmt.Errorf("%s: expected hex string, integer or boolean", k)
	}
	return out, nil
}

type frameBody struct {
	CANID   string `json:"can_id"`
	CANData string `json:"can_data"`
}

func (s *Server) handleSendFrame(c *gin.Context) {
	var body frameBody
	if err := bindJSON(c, &body); err != nil {
		badRequest(c, "%v", err)
		return
	}
	res := s.actions.SendManual(c.Request.Context(), body.CANID, body.CANData)
	c.JSON(statusFor(res.Kind), res)
}

func (s *Server) handleLogs(c *gin.Context) {
	lines := []string{}
	if s.logs != nil {
		lines = append(lines, s.logs.Lines()...)
	}
	c.JSON(http.StatusOK, gin.H{"logs": lines})
}

func (s *Server) handleDrive(c *gin.Context) {
	if s.drive == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "drive source not configured"})
		return
	}
	doc, err := s.drive.Get(c.Request.Context())
	if err != nil {
		s.logger.Warn("drive_fetch_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", doc)
}
