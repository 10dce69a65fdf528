package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/reqdesk/reqsync"
)

const (
	defaultPageSize = reqsync.DefaultPageSize
	maxContentLen   = 10000
)

func pageParams(c *gin.Context) (offset, limit int, ok bool) {
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		return 0, 0, false
	}
	limit, err = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 || limit > reqsync.MaxPageSize {
		return 0, 0, false
	}
	return offset, limit, true
}

func (s *Server) listMessages(c *gin.Context) {
	conv := reqsync.ParseConversationID(c.Param("conv"))
	offset, limit, valid := pageParams(c)
	if !valid {
		abort(c, http.StatusBadRequest, reqsync.KindInvalidInput, "offset must be >= 0 and limit in 1.."+strconv.Itoa(reqsync.MaxPageSize))
		return
	}
	msgs, err := s.store.Query(c.Request.Context(), conv, offset, limit)
	if err != nil {
		s.fail(c, "query", err)
		return
	}
	if msgs == nil {
		msgs = []reqsync.Message{}
	}
	ok(c, http.StatusOK, msgs)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) postMessage(c *gin.Context) {
	conv := reqsync.ParseConversationID(c.Param("conv"))
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, reqsync.KindInvalidInput, "invalid JSON body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		abort(c, http.StatusBadRequest, reqsync.KindInvalidInput, "content is required")
		return
	}
	if len(content) > maxContentLen {
		abort(c, http.StatusBadRequest, reqsync.KindInvalidInput, "content is too long")
		return
	}

	actor := actorFrom(c)
	msg, err := s.store.Insert(c.Request.Context(), reqsync.Message{
		ConversationID: conv,
		SenderID:       actor.ID,
		IsFromOperator: actor.IsOperator,
		Content:        content,
	})
	if err != nil {
		s.fail(c, "insert", err)
		return
	}
	s.webhooks.Dispatch(*msg)
	ok(c, http.StatusCreated, msg)
}

func (s *Server) markRead(c *gin.Context) {
	conv := reqsync.ParseConversationID(c.Param("conv"))
	marker, isMarker := s.store.(reqsync.ReadMarker)
	if !isMarker {
		abort(c, http.StatusNotImplemented, "NOT_SUPPORTED", "store does not track read positions")
		return
	}
	if err := marker.MarkRead(c.Request.Context(), actorFrom(c).ID, conv); err != nil {
		s.fail(c, "mark read", err)
		return
	}
	ok(c, http.StatusOK, gin.H{"conversationId": conv})
}

func (s *Server) listAttachments(c *gin.Context) {
	ids := c.QueryArray("messageId")
	if len(ids) > reqsync.MaxPageSize {
		abort(c, http.StatusBadRequest, reqsync.KindInvalidInput, "too many message ids")
		return
	}
	byMessage, err := s.store.ListAttachments(c.Request.Context(), ids)
	if err != nil {
		s.fail(c, "list attachments", err)
		return
	}
	out := []reqsync.Attachment{}
	for _, id := range ids {
		out = append(out, byMessage[id]...)
	}
	ok(c, http.StatusOK, out)
}

func (s *Server) postAttachment(c *gin.Context) {
	var att reqsync.Attachment
	if err := c.ShouldBindJSON(&att); err != nil {
		abort(c, http.StatusBadRequest, reqsync.KindInvalidInput, "invalid JSON body")
		return
	}
	if att.URL == "" || att.Name == "" {
		abort(c, http.StatusBadRequest, reqsync.KindInvalidInput, "url and name are required")
		return
	}
	att.ID = ""
	att.MessageID = c.Param("id")
	saved, err := s.store.InsertAttachment(c.Request.Context(), att)
	if err != nil {
		s.fail(c, "insert attachment", err)
		return
	}
	ok(c, http.StatusCreated, saved)
}

func (s *Server) unread(c *gin.Context) {
	rows, err := s.store.UnreadCounts(c.Request.Context(), actorFrom(c).ID)
	if err != nil {
		s.fail(c, "unread", err)
		return
	}
	if rows == nil {
		rows = []reqsync.UnreadCount{}
	}
	ok(c, http.StatusOK, rows)
}

func (s *Server) uploadFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.files.maxBytes+1<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		abort(c, http.StatusBadRequest, reqsync.KindInvalidInput, "multipart field \"file\" is required")
		return
	}
	res, err := s.files.Save(fh)
	if err != nil {
		s.fail(c, "upload", err)
		return
	}
	ok(c, http.StatusCreated, res)
}

func (s *Server) serveFile(c *gin.Context) {
	path, err := s.files.Path(c.Param("key"), c.Param("name"))
	if err != nil {
		abort(c, http.StatusNotFound, "NOT_FOUND", "file not found")
		return
	}
	c.File(path)
}
