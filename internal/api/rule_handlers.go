package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-parkwatch/internal/data"
	"github.com/technosupport/ts-parkwatch/internal/rtsp"
)

type RuleHandler struct {
	Rules data.RuleRepository
}

func NewRuleHandler(rules data.RuleRepository) *RuleHandler {
	return &RuleHandler{Rules: rules}
}

var (
	triggerTimeRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
	ruleChannelRe = regexp.MustCompile(`(?i)^c[1-9]\d*$`)
	ruleIPRe      = regexp.MustCompile(`@([\d.]+)(?::\d+)?`)
)

type rulePayload struct {
	Name            string  `json:"name"`
	UseToday        bool    `json:"use_today"`
	CustomDate      *string `json:"custom_date"`
	BaseRTSP        string  `json:"base_rtsp"`
	Channel         string  `json:"channel"`
	IntervalMinutes int     `json:"interval_minutes"`
	TriggerTime     string  `json:"trigger_time"`
	IsEnabled       *bool   `json:"is_enabled"`
}

func validateRule(p *rulePayload) error {
	if !p.UseToday && (p.CustomDate == nil || *p.CustomDate == "") {
		return fmt.Errorf("either use_today or custom_date is required")
	}
	if p.UseToday && p.CustomDate != nil && *p.CustomDate != "" {
		return fmt.Errorf("custom_date must be empty when use_today is set")
	}
	if p.CustomDate != nil && *p.CustomDate != "" {
		if _, err := time.Parse("2006-01-02", *p.CustomDate); err != nil {
			return fmt.Errorf("custom_date must be YYYY-MM-DD")
		}
	}
	if !triggerTimeRe.MatchString(p.TriggerTime) {
		return fmt.Errorf("trigger_time must be HH:MM")
	}
	if err := rtsp.ValidateBase(p.BaseRTSP); err != nil {
		return err
	}
	if !ruleChannelRe.MatchString(p.Channel) {
		return fmt.Errorf("channel must match c<digits>")
	}
	if p.IntervalMinutes < 1 || p.IntervalMinutes > 1440 {
		return fmt.Errorf("interval_minutes must be in [1,1440]")
	}
	return nil
}

// ruleName derives the default rule name <ip>_<channel>_<HH:MM>.
func ruleName(p *rulePayload) string {
	if p.Name != "" {
		return p.Name
	}
	ip := "unknown"
	if m := ruleIPRe.FindStringSubmatch(p.BaseRTSP); m != nil {
		ip = m[1]
	} else if h := rtsp.BaseHost(p.BaseRTSP); h != "" {
		ip = h
	}
	return fmt.Sprintf("%s_%s_%s", ip, p.Channel, p.TriggerTime)
}

func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p rulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if err := validateRule(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	rule := &data.AutoRule{
		Name:            ruleName(&p),
		UseToday:        p.UseToday,
		BaseRTSP:        p.BaseRTSP,
		Channel:         p.Channel,
		IntervalMinutes: p.IntervalMinutes,
		TriggerTime:     p.TriggerTime,
		IsEnabled:       true,
		LastExecStatus:  data.RuleExecNone,
	}
	if !p.UseToday {
		rule.CustomDate = p.CustomDate
	}
	if p.IsEnabled != nil {
		rule.IsEnabled = *p.IsEnabled
	}

	if err := h.Rules.Create(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ruleView(rule))
}

func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	var p rulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if err := validateRule(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	rule, err := h.Rules.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	rule.Name = ruleName(&p)
	rule.UseToday = p.UseToday
	rule.CustomDate = nil
	if !p.UseToday {
		rule.CustomDate = p.CustomDate
	}
	rule.BaseRTSP = p.BaseRTSP
	rule.Channel = p.Channel
	rule.IntervalMinutes = p.IntervalMinutes
	rule.TriggerTime = p.TriggerTime
	if p.IsEnabled != nil {
		rule.IsEnabled = *p.IsEnabled
	}

	if err := h.Rules.Update(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleView(rule))
}

func (h *RuleHandler) SetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
			return
		}
		rule, err := h.Rules.GetByID(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		rule.IsEnabled = enabled
		if err := h.Rules.Update(r.Context(), rule); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ruleView(rule))
	}
}

func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}
	if err := h.Rules.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Rules.ListAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]any, 0, len(rules))
	for _, rule := range rules {
		items = append(items, ruleView(rule))
	}
	writeJSON(w, http.StatusOK, items)
}

func ruleView(rule *data.AutoRule) map[string]any {
	var lastExec *string
	if rule.LastExecutedAt != nil {
		s := rule.LastExecutedAt.UTC().Format(time.RFC3339)
		lastExec = &s
	}
	return map[string]any{
		"id":                    rule.ID,
		"name":                  rule.Name,
		"use_today":             rule.UseToday,
		"custom_date":           rule.CustomDate,
		"base_rtsp":             rule.BaseRTSP,
		"channel":               rule.Channel,
		"interval_minutes":      rule.IntervalMinutes,
		"trigger_time":          rule.TriggerTime,
		"is_enabled":            rule.IsEnabled,
		"execution_count":       rule.ExecutionCount,
		"last_executed_at":      lastExec,
		"last_execution_status": rule.LastExecStatus,
		"last_execution_error":  rule.LastExecError,
	}
}
