package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"keenetic-vpn/internal/monitor"
	"keenetic-vpn/internal/store"
)

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON request body into v, answering 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mon.Devices())
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mon.Poll(r.Context()))
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	v, ok := s.mon.Device(r.PathValue("mac"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

type setPolicyRequest struct {
	Policy string `json:"policy"`
}

func (s *Server) handleAPISetPolicy(w http.ResponseWriter, r *http.Request) {
	var req setPolicyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Policy) == "" {
		s.writeError(w, http.StatusBadRequest, "policy is required")
		return
	}

	mac := r.PathValue("mac")
	res := s.mon.SetPolicy(r.Context(), mac, req.Policy)
	if !res.Success {
		s.logger.Warn("set policy via api failed", "mac", mac, "policy", req.Policy, "err", res.Error)
		s.writeJSON(w, http.StatusBadGateway, res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAPITogglePolicy(w http.ResponseWriter, r *http.Request) {
	res := s.mon.TogglePolicy(r.Context(), r.PathValue("mac"))
	switch {
	case res.Success:
		s.writeJSON(w, http.StatusOK, res)
	case res.Error == monitor.ErrDeviceNotFound.Error():
		s.writeJSON(w, http.StatusNotFound, res)
	default:
		s.writeJSON(w, http.StatusBadGateway, res)
	}
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mon.Stats())
}

func (s *Server) handleAPIProbe(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mon.Probe(r.Context()))
}

// settingsResponse never carries the password, only whether one is set.
type settingsResponse struct {
	store.Settings
	PasswordSet bool `json:"routerPasswordSet"`
}

func newSettingsResponse(st store.Settings) settingsResponse {
	return settingsResponse{Settings: st, PasswordSet: st.RouterPassword != ""}
}

func (s *Server) handleAPIGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newSettingsResponse(s.mon.Settings()))
}

// settingsPatch is a partial settings update; nil fields are left alone.
type settingsPatch struct {
	RouterIP        *string `json:"routerIp"`
	RouterPort      *string `json:"routerPort"`
	RouterUsername  *string `json:"routerUsername"`
	RouterPassword  *string `json:"routerPassword"`
	VPNPolicy       *string `json:"vpnPolicy"`
	NoVPNPolicy     *string `json:"noVpnPolicy"`
	ShowMAC         *bool   `json:"showMac"`
	ShowIP          *bool   `json:"showIp"`
	ShowStats       *bool   `json:"showStats"`
	AutoRefresh     *bool   `json:"autoRefresh"`
	RefreshInterval *int    `json:"refreshInterval"`
	OfflineDelay    *int    `json:"offlineDelay"`
}

func (p settingsPatch) validate() error {
	switch {
	case p.RefreshInterval != nil && *p.RefreshInterval < 1:
		return errors.New("refreshInterval must be at least 1 second")
	case p.OfflineDelay != nil && *p.OfflineDelay < 0:
		return errors.New("offlineDelay must not be negative")
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (p settingsPatch) apply(st *store.Settings) {
	setIf(&st.RouterIP, p.RouterIP)
	setIf(&st.RouterPort, p.RouterPort)
	setIf(&st.RouterUsername, p.RouterUsername)
	setIf(&st.RouterPassword, p.RouterPassword)
	setIf(&st.VPNPolicy, p.VPNPolicy)
	setIf(&st.NoVPNPolicy, p.NoVPNPolicy)
	setIf(&st.ShowMAC, p.ShowMAC)
	setIf(&st.ShowIP, p.ShowIP)
	setIf(&st.ShowStats, p.ShowStats)
	setIf(&st.AutoRefresh, p.AutoRefresh)
	setIf(&st.RefreshInterval, p.RefreshInterval)
	setIf(&st.OfflineDelay, p.OfflineDelay)
}

func (s *Server) handleAPIUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if !s.decodeBody(w, r, &patch) {
		return
	}
	if err := patch.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.mon.UpdateSettings(func(st *store.Settings) error {
		patch.apply(st)
		return nil
	})
	if err != nil {
		s.logger.Error("update settings", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, newSettingsResponse(updated))
}

func (s *Server) handleAPIGetPinned(w http.ResponseWriter, r *http.Request) {
	list, err := s.mon.Pinned()
	if err != nil {
		s.logger.Error("load pinned", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAPISavePinned(w http.ResponseWriter, r *http.Request) {
	var list []string
	if !s.decodeBody(w, r, &list) {
		return
	}
	if list == nil {
		list = []string{}
	}
	s.writePinned(w)(s.mon.SavePinned(list))
}

func (s *Server) handleAPITogglePin(w http.ResponseWriter, r *http.Request) {
	s.writePinned(w)(s.mon.TogglePin(r.PathValue("mac")))
}

type movePinRequest struct {
	MAC    string `json:"mac"`
	Target string `json:"target"`
}

func (s *Server) handleAPIMovePin(w http.ResponseWriter, r *http.Request) {
	var req movePinRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.MAC == "" || req.Target == "" {
		s.writeError(w, http.StatusBadRequest, "mac and target are required")
		return
	}
	s.writePinned(w)(s.mon.MovePin(req.MAC, req.Target))
}

// writePinned answers with the pin list returned by a pin operation.
func (s *Server) writePinned(w http.ResponseWriter) func([]string, error) {
	return func(list []string, err error) {
		if err != nil {
			s.logger.Error("update pinned", "err", err)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		s.writeJSON(w, http.StatusOK, list)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
