package server

import (
	"encoding/json"
	"math"

	"github.com/woxQAQ/frame-runtime/internal/bridge"
	"github.com/woxQAQ/frame-runtime/internal/fault"
	"github.com/woxQAQ/frame-runtime/internal/session"
)

func authFuncs() []bridge.Func {
	return []bridge.Func{
		hostFunc("_auth_create_session", []bridge.Shape{bridge.I64, bridge.Str, bridge.Str}, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			userID, role, claims := c.I64(), c.Str(), c.Str()
			if s.Sessions == nil {
				c.Fail(fault.Modulef("_auth_create_session", "no session store"))
				return
			}
			d := s.Sessions.Create(userID, role, claims)
			s.Response.Cookies = append(s.Response.Cookies, s.Sessions.FormatCookie(d.ID))
			s.Auth = &AuthContext{UserID: userID, Role: role, SessionID: d.ID}
			c.ReturnString(d.ID)
		}),
		hostFunc("_auth_destroy_session", none, bridge.I32, func(c *bridge.Call, s *RequestState) {
			if s.Sessions == nil {
				c.Fail(fault.Modulef("_auth_destroy_session", "no session store"))
				return
			}
			deleted := false
			if id, ok := s.sessionID(); ok {
				deleted = s.Sessions.DeleteRaw(id)
			}
			s.Response.Cookies = append(s.Response.Cookies, s.Sessions.FormatClearCookie())
			s.Auth = nil
			c.ReturnBool(deleted)
		}),
		hostFunc("_auth_get_session", none, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			if s.Auth == nil {
				c.ReturnString("null")
				return
			}
			var sid *string
			if s.Auth.SessionID != "" {
				sid = &s.Auth.SessionID
			}
			data, _ := json.Marshal(struct {
				UserID    int64   `json:"user_id"`
				Role      string  `json:"role"`
				SessionID *string `json:"session_id"`
			}{s.Auth.UserID, s.Auth.Role, sid})
			c.ReturnBytes(data)
		}),
		hostFunc("_auth_require_auth", none, bridge.I32, func(c *bridge.Call, s *RequestState) {
			c.ReturnBool(s.Auth != nil)
		}),
		hostFunc("_auth_require_role", str, bridge.I32, func(c *bridge.Call, s *RequestState) {
			required := c.Str()
			c.ReturnBool(s.Auth != nil && session.HasRole(s.Auth.Role, required))
		}),
		hostFunc("_auth_can", str, bridge.I32, func(c *bridge.Call, s *RequestState) {
			perm := c.Str()
			c.ReturnBool(s.Auth != nil && s.Roles.Can(s.Auth.Role, perm))
		}),
		hostFunc("_auth_has_any_role", str, bridge.I32, func(c *bridge.Call, s *RequestState) {
			blob := c.Str()
			var roles []string
			if err := json.Unmarshal([]byte(blob), &roles); err != nil {
				c.Fail(fault.Validationf("_auth_has_any_role", "roles must be a JSON array of strings: %v", err))
				return
			}
			c.ReturnBool(s.Auth != nil && session.HasAnyRole(s.Auth.Role, roles))
		}),
		hostFunc("_auth_user_id", none, bridge.I32, func(c *bridge.Call, s *RequestState) {
			if s.Auth == nil {
				c.ReturnI32(0)
				return
			}
			id := s.Auth.UserID
			if id < math.MinInt32 || id > math.MaxInt32 {
				c.Fail(fault.Validationf("_auth_user_id", "user id %d does not fit in i32", id))
				return
			}
			c.ReturnI32(int32(id))
		}),
		hostFunc("_auth_user_role", none, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			if s.Auth == nil {
				c.ReturnString("")
				return
			}
			c.ReturnString(s.Auth.Role)
		}),
	}
}

func sessionFuncs() []bridge.Func {
	return []bridge.Func{
		hostFunc("_session_id", none, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			id, _ := s.sessionID()
			c.ReturnString(id)
		}),
		hostFunc("_session_store", []bridge.Shape{bridge.Str, bridge.Str}, bridge.I32, func(c *bridge.Call, s *RequestState) {
			id, data := c.Str(), c.Str()
			if s.Sessions == nil || id == "" {
				c.Fail(fault.Validationf("_session_store", "session id is required"))
				return
			}
			s.Sessions.StoreRaw(id, data)
			c.ReturnI32(1)
		}),
		hostFunc("_session_get", str, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			id := c.Str()
			if s.Sessions == nil {
				c.ReturnString("")
				return
			}
			data, _ := s.Sessions.GetRaw(id)
			c.ReturnString(data)
		}),
		hostFunc("_session_delete", str, bridge.I32, func(c *bridge.Call, s *RequestState) {
			id := c.Str()
			c.ReturnBool(s.Sessions != nil && s.Sessions.DeleteRaw(id))
		}),
		hostFunc("_session_exists", str, bridge.I32, func(c *bridge.Call, s *RequestState) {
			id := c.Str()
			c.ReturnBool(s.Sessions != nil && s.Sessions.ExistsRaw(id))
		}),
		hostFunc("_session_set_csrf", str, bridge.I32, func(c *bridge.Call, s *RequestState) {
			token := c.Str()
			id, ok := s.sessionID()
			if !ok || s.Sessions == nil {
				c.Fail(fault.Unauthenticatedf("_session_set_csrf", "no current session"))
				return
			}
			s.Sessions.SetCSRF(id, token)
			c.ReturnI32(1)
		}),
		hostFunc("_session_get_csrf", none, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			id, ok := s.sessionID()
			if !ok || s.Sessions == nil {
				c.ReturnString("")
				return
			}
			token, _ := s.Sessions.GetCSRF(id)
			c.ReturnString(token)
		}),
		hostFunc("_csrf_generate", none, bridge.Ptr, func(c *bridge.Call, s *RequestState) {
			token, err := session.NewCSRFToken()
			if err != nil {
				c.Fail(fault.Wrap(fault.Module, "_csrf_generate", err))
				return
			}
			if id, ok := s.sessionID(); ok && s.Sessions != nil {
				s.Sessions.SetCSRF(id, token)
			}
			c.ReturnString(token)
		}),
		hostFunc("_csrf_validate", str, bridge.I32, func(c *bridge.Call, s *RequestState) {
			token := c.Str()
			id, ok := s.sessionID()
			c.ReturnBool(ok && s.Sessions != nil && s.Sessions.ValidateCSRF(id, token))
		}),
	}
}
