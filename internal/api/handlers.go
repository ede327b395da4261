package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"lateraltutor/internal/dialogue"
	"lateraltutor/internal/logging"
	"lateraltutor/internal/store"
	"lateraltutor/internal/types"
)

// Largest accepted image upload.
const maxImageBytes = 8 << 20

var errNoStore = errors.New("persistence is not configured")

func statusFor(err error) int {
	switch {
	case errors.Is(err, dialogue.ErrUnknownSession), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dialogue.ErrTurnInFlight),
		errors.Is(err, dialogue.ErrSyncInProgress),
		errors.Is(err, dialogue.ErrNotTerminated),
		errors.Is(err, dialogue.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, dialogue.ErrSessionTerminated):
		return http.StatusGone
	case errors.Is(err, dialogue.ErrEmptyInput), errors.Is(err, store.ErrInvalidBatch):
		return http.StatusBadRequest
	case errors.Is(err, errNoStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) session(c *gin.Context) (*dialogue.Session, bool) {
	sess, err := s.registry.Get(c.Param("id"))
	if err != nil {
		abort(c, statusFor(err), err)
		return nil, false
	}
	return sess, true
}

// =============================================================================
// SESSIONS
// =============================================================================

type createSessionRequest struct {
	SessionID string          `json:"session_id"`
	Scenario  *types.Scenario `json:"scenario"`
}

type sessionResponse struct {
	SessionID string            `json:"session_id"`
	Reply     *dialogue.Reply   `json:"reply,omitempty"`
	State     dialogue.Snapshot `json:"state"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abort(c, http.StatusBadRequest, err)
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = s.newID()
	}
	if err := s.registry.Reserve(id); err != nil {
		abort(c, http.StatusConflict, err)
		return
	}
	var scenario types.Scenario
	if req.Scenario != nil {
		scenario = *req.Scenario
	}

	sess, reply, err := s.orch.Start(c.Request.Context(), id, scenario)
	if err != nil {
		s.registry.Release(id)
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if err := s.registry.Add(sess); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	logging.API("session %s created", id)
	if reply != nil && reply.Terminated {
		s.registry.Retire(sess)
	}
	c.JSON(http.StatusCreated, sessionResponse{SessionID: id, Reply: reply, State: sess.Snapshot()})
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// =============================================================================
// TURNS
// =============================================================================

type turnRequest struct {
	Text      string `json:"text"`
	ImageData []byte `json:"image_data"` // base64 in JSON bodies
	ImageMIME string `json:"image_mime_type"`
}

// bindTurn accepts either a JSON body or a multipart form with an "image" file.
func bindTurn(c *gin.Context) (dialogue.UserInput, error) {
	var req turnRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		req.Text = c.PostForm("text")
		fh, err := c.FormFile("image")
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			return dialogue.UserInput{}, err
		}
		if fh != nil {
			if fh.Size > maxImageBytes {
				return dialogue.UserInput{}, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
			}
			f, err := fh.Open()
			if err != nil {
				return dialogue.UserInput{}, err
			}
			defer f.Close()
			if req.ImageData, err = io.ReadAll(f); err != nil {
				return dialogue.UserInput{}, err
			}
			req.ImageMIME = fh.Header.Get("Content-Type")
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		return dialogue.UserInput{}, err
	}

	in := dialogue.UserInput{Text: req.Text}
	if len(req.ImageData) > 0 {
		if len(req.ImageData) > maxImageBytes {
			return dialogue.UserInput{}, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
		}
		mime := req.ImageMIME
		if mime == "" || mime == "application/octet-stream" {
			mime = http.DetectContentType(req.ImageData)
		}
		in.Image = &types.Attachment{Data: req.ImageData, MIMEType: mime}
	}
	return in, nil
}

func (s *Server) postTurn(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	in, err := bindTurn(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	reply, err := s.orch.HandleTurn(c.Request.Context(), sess, in)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	if reply.Terminated {
		s.registry.Retire(sess)
	}
	c.JSON(http.StatusOK, reply)
}

// =============================================================================
// PERSISTENCE RETRIES
// =============================================================================

func (s *Server) retry(c *gin.Context, run func(*dialogue.Session) error) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := run(sess); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			// The push itself failed; report the state so the caller can retry.
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "state": sess.Snapshot()})
			return
		}
		abort(c, status, err)
		return
	}
	snap := sess.Snapshot()
	s.registry.RemoveSettled(sess)
	c.JSON(http.StatusOK, snap)
}

func (s *Server) retryVerification(c *gin.Context) {
	s.retry(c, func(sess *dialogue.Session) error {
		return s.orch.RetryVerificationSync(c.Request.Context(), sess)
	})
}

func (s *Server) retryFlush(c *gin.Context) {
	s.retry(c, func(sess *dialogue.Session) error {
		return s.orch.RetryLogFlush(c.Request.Context(), sess)
	})
}

// =============================================================================
// STORE ROUTES
// =============================================================================

type exportResponse struct {
	Summary types.SessionSummary `json:"summary"`
	Batch   types.LogBatch       `json:"conversation"`
}

func (s *Server) exportSession(c *gin.Context) {
	if s.store == nil {
		abort(c, http.StatusServiceUnavailable, errNoStore)
		return
	}
	id := c.Param("id")
	summary, err := s.store.LoadSessionSummary(c.Request.Context(), id)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	batch, err := s.store.LoadLogBatch(c.Request.Context(), id)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, exportResponse{Summary: summary, Batch: batch})
}

func (s *Server) postLog(c *gin.Context) {
	if s.store == nil {
		abort(c, http.StatusServiceUnavailable, errNoStore)
		return
	}
	var batch types.LogBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	receipt, err := s.store.AppendLogBatch(c.Request.Context(), batch)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stored":  receipt.Stored,
		"count":   receipt.Count,
		"message": receipt.Message,
	})
}

type captchaRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

func (s *Server) postCaptcha(c *gin.Context) {
	if s.store == nil {
		abort(c, http.StatusServiceUnavailable, errNoStore)
		return
	}
	var req captchaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	err := s.store.UpsertSessionSummary(c.Request.Context(), types.SessionSummary{
		SessionID:        req.SessionID,
		Terminated:       true,
		VerificationCode: req.Code,
		UpdatedAt:        time.Now(),
	})
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": req.SessionID})
}

func (s *Server) testDB(c *gin.Context) {
	if s.store == nil {
		abort(c, http.StatusServiceUnavailable, errNoStore)
		return
	}
	report, err := s.store.Health(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"success": report.Healthy(), "report": report})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"sessions":   len(s.registry.IDs()),
		"normalizer": s.orch.Normalizer().Stats(),
	})
}
