package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-parkwatch/internal/data"
)

type ConfigHandler struct {
	Configs data.ConfigRepository

	RefWidth  int
	RefHeight int
}

func NewConfigHandler(cfgs data.ConfigRepository, refW, refH int) *ConfigHandler {
	return &ConfigHandler{Configs: cfgs, RefWidth: refW, RefHeight: refH}
}

var channelCodeRe = regexp.MustCompile(`(?i)^c\d+$`)

type spacePayload struct {
	SpaceID   string `json:"space_id"`
	SpaceName string `json:"space_name"`
	Bbox      [4]int `json:"bbox"`
}

type channelPayload struct {
	ChannelCode string         `json:"channel_code"`
	CameraIP    string         `json:"camera_ip"`
	CameraName  string         `json:"camera_name"`
	VendorSN    string         `json:"vendor_sn"`
	TrackSpace  *string        `json:"track_space"`
	Spaces      []spacePayload `json:"parking_spaces"`
}

type nvrPayload struct {
	ParkingName   string           `json:"parking_name"`
	NvrIP         string           `json:"nvr_ip"`
	NvrPort       int              `json:"nvr_port"`
	NvrUser       string           `json:"nvr_user"`
	NvrPassword   string           `json:"nvr_password"`
	ExtDBHost     *string          `json:"ext_db_host"`
	ExtDBPort     *int             `json:"ext_db_port"`
	ExtDBUser     *string          `json:"ext_db_user"`
	ExtDBPassword *string          `json:"ext_db_password"`
	ExtDBName     *string          `json:"ext_db_name"`
	Channels      []channelPayload `json:"channels"`
}

func (h *ConfigHandler) validate(p *nvrPayload) error {
	if p.ParkingName == "" {
		return fmt.Errorf("parking_name required")
	}
	if p.NvrIP == "" {
		return fmt.Errorf("nvr_ip required")
	}
	for _, ch := range p.Channels {
		if !channelCodeRe.MatchString(ch.ChannelCode) {
			return fmt.Errorf("channel_code %q must match c<digits>", ch.ChannelCode)
		}
		for _, sp := range ch.Spaces {
			x1, y1, x2, y2 := sp.Bbox[0], sp.Bbox[1], sp.Bbox[2], sp.Bbox[3]
			if x1 < 0 || x2 > h.RefWidth || y1 < 0 || y2 > h.RefHeight || x1 >= x2 || y1 >= y2 {
				return fmt.Errorf("space %q bbox out of the %dx%d reference frame", sp.SpaceName, h.RefWidth, h.RefHeight)
			}
		}
	}
	return nil
}

func (h *ConfigHandler) decode(p *nvrPayload) *data.NvrConfig {
	cfg := &data.NvrConfig{
		ParkingName:   p.ParkingName,
		NvrIP:         p.NvrIP,
		NvrPort:       p.NvrPort,
		NvrUser:       p.NvrUser,
		NvrPassword:   p.NvrPassword,
		ExtDBHost:     p.ExtDBHost,
		ExtDBPort:     p.ExtDBPort,
		ExtDBUser:     p.ExtDBUser,
		ExtDBPassword: p.ExtDBPassword,
		ExtDBName:     p.ExtDBName,
	}
	if cfg.NvrPort == 0 {
		cfg.NvrPort = 554
	}
	for _, chp := range p.Channels {
		ch := &data.ChannelConfig{
			ChannelCode: chp.ChannelCode,
			CameraIP:    chp.CameraIP,
			CameraName:  chp.CameraName,
			VendorSN:    chp.VendorSN,
			TrackSpace:  chp.TrackSpace,
		}
		for _, spp := range chp.Spaces {
			ch.Spaces = append(ch.Spaces, &data.ParkingSpace{
				SpaceID:   spp.SpaceID,
				SpaceName: spp.SpaceName,
				BboxX1:    spp.Bbox[0],
				BboxY1:    spp.Bbox[1],
				BboxX2:    spp.Bbox[2],
				BboxY2:    spp.Bbox[3],
			})
		}
		cfg.Channels = append(cfg.Channels, ch)
	}
	return cfg
}

func (h *ConfigHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p nvrPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if err := h.validate(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	cfg := h.decode(&p)
	if err := h.Configs.CreateNvr(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, nvrView(cfg))
}

func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	var p nvrPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if err := h.validate(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	cfg := h.decode(&p)
	cfg.ID = id
	if err := h.Configs.UpdateNvr(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nvrView(cfg))
}

func (h *ConfigHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	if err := h.Configs.DeleteNvr(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	cfg, err := h.Configs.GetNvr(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nvrView(cfg))
}

func (h *ConfigHandler) List(w http.ResponseWriter, r *http.Request) {
	page, pageSize, offset := pageParams(r)
	cfgs, total, err := h.Configs.ListNvrs(r.Context(), pageSize, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]any, 0, len(cfgs))
	for _, cfg := range cfgs {
		items = append(items, nvrView(cfg))
	}
	writeJSON(w, http.StatusOK, pageResponse{Total: total, Page: page, PageSize: pageSize, Items: items})
}

// nvrView echoes the stored config. Credentials are returned verbatim: this
// surface runs behind a trusted boundary and operators need to see what the
// NVR will be dialed with.
func nvrView(cfg *data.NvrConfig) map[string]any {
	channels := make([]map[string]any, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		spaces := make([]map[string]any, 0, len(ch.Spaces))
		for _, sp := range ch.Spaces {
			spaces = append(spaces, map[string]any{
				"id":         sp.ID,
				"space_id":   sp.SpaceID,
				"space_name": sp.SpaceName,
				"bbox":       [4]int{sp.BboxX1, sp.BboxY1, sp.BboxX2, sp.BboxY2},
			})
		}
		channels = append(channels, map[string]any{
			"id":             ch.ID,
			"channel_code":   ch.ChannelCode,
			"camera_ip":      ch.CameraIP,
			"camera_name":    ch.CameraName,
			"vendor_sn":      ch.VendorSN,
			"track_space":    ch.TrackSpace,
			"parking_spaces": spaces,
		})
	}
	return map[string]any{
		"id":           cfg.ID,
		"parking_name": cfg.ParkingName,
		"nvr_ip":       cfg.NvrIP,
		"nvr_port":     cfg.NvrPort,
		"nvr_user":     cfg.NvrUser,
		"nvr_password": cfg.NvrPassword,
		"channels":     channels,
	}
}
