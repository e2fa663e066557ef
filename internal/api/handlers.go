package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/findings"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidTarget), errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrGuardrail):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.LogError(c.Request.Context(), err, c.FullPath())
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (h *handler) getConfig(c *gin.Context) {
	masked := config.Config{Lab: h.svc.GetConfig()}.Masked()
	c.JSON(http.StatusOK, masked.Lab)
}

func (h *handler) updateConfig(c *gin.Context) {
	current := h.svc.GetConfig()
	shown := config.Config{Lab: current}.Masked().Lab
	lab := current.Clone()
	if err := c.ShouldBindJSON(&lab); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	// A config read from GET carries masked secrets; keep the real ones.
	if lab.OpenAIAPIKey == shown.OpenAIAPIKey {
		lab.OpenAIAPIKey = current.OpenAIAPIKey
	}
	if lab.ZAP.APIKey == shown.ZAP.APIKey {
		lab.ZAP.APIKey = current.ZAP.APIKey
	}
	if err := h.svc.UpdateConfig(lab); err != nil {
		h.fail(c, err)
		return
	}
	masked := config.Config{Lab: h.svc.GetConfig()}.Masked()
	c.JSON(http.StatusOK, masked.Lab)
}

type verifyRequest struct {
	Domain string `json:"domain" binding:"required"`
	Method string `json:"method"`
	Token  string `json:"token"`
}

func (r verifyRequest) method() (types.VerificationMethod, error) {
	if r.Method == "" {
		return types.VerificationDNSTXT, nil
	}
	return types.ParseVerificationMethod(r.Method)
}

func (h *handler) requestVerification(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	method, err := req.method()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	v, err := h.svc.RequestVerification(c.Request.Context(), req.Domain, method)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h *handler) checkVerification(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		badRequest(c, "Invalid request body")
		return
	}
	method, err := req.method()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	ok, err := h.svc.CheckVerification(c.Request.Context(), req.Domain, req.Token, method)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": req.Domain, "verified": ok})
}

func (h *handler) listDomains(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.VerifiedDomains())
}

func (h *handler) revokeDomain(c *gin.Context) {
	if !h.svc.RevokeDomain(c.Param("domain")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Domain not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type scanRequest struct {
	TargetURL string `json:"target_url" binding:"required"`
	ScanType  string `json:"scan_type" binding:"required"`
	Scanner   string `json:"scanner" binding:"required"`
}

func (h *handler) startScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	scanType, err := types.ParseScanType(req.ScanType)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	scanner, err := types.ParseScanner(req.Scanner)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	scan, err := h.svc.StartScan(c.Request.Context(), req.TargetURL, scanType, scanner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, scan)
}

func (h *handler) listScans(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ListScans())
}

func (h *handler) getScan(c *gin.Context) {
	scan, err := h.svc.GetScan(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, scan)
}

func (h *handler) cancelScan(c *gin.Context) {
	if err := h.svc.CancelScan(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	scan, err := h.svc.GetScan(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, scan)
}

func (h *handler) scanFindings(c *gin.Context) {
	var filter findings.Filter
	if raw := c.Query("min_severity"); raw != "" {
		sev, err := types.ParseSeverity(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		filter.MinSeverity = sev
	}
	if raw := c.Query("exclude_false_positives"); raw != "" {
		exclude, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "exclude_false_positives must be a boolean")
			return
		}
		filter.ExcludeFalsePositive = exclude
	}

	list, err := h.svc.ScanFindings(c.Param("id"), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) getFinding(c *gin.Context) {
	f, err := h.svc.GetFinding(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *handler) markFalsePositive(c *gin.Context) {
	h.updateFinding(c, h.svc.MarkFalsePositive)
}

func (h *handler) verifyFinding(c *gin.Context) {
	h.updateFinding(c, h.svc.VerifyFinding)
}

func (h *handler) updateFinding(c *gin.Context, fn func(string) error) {
	if err := fn(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	h.getFinding(c)
}

type sessionRequest struct {
	FindingID    string `json:"finding_id" binding:"required"`
	ExploitType  string `json:"exploit_type" binding:"required"`
	AIAssistance bool   `json:"ai_assistance"`
}

func (h *handler) startSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	exploitType, err := types.ParseExploitType(req.ExploitType)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	session, err := h.svc.StartExploitSession(c.Request.Context(), req.FindingID, exploitType, req.AIAssistance)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *handler) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ListExploitSessions())
}

func (h *handler) getSession(c *gin.Context) {
	session, err := h.svc.GetExploitSession(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type commandRequest struct {
	Command     string `json:"command"`
	Payload     string `json:"payload"`
	AISuggested bool   `json:"ai_suggested"`
}

func (h *handler) executeCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	cmd, err := h.svc.ExecuteExploitCommand(c.Request.Context(), c.Param("id"), req.Command, req.Payload, req.AISuggested)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (h *handler) suggestions(c *gin.Context) {
	list, err := h.svc.Suggestions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": list})
}

type closeRequest struct {
	Success bool `json:"success"`
}

func (h *handler) closeSession(c *gin.Context) {
	var req closeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}
	if err := h.svc.CloseExploitSession(c.Param("id"), req.Success); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
