package api

import (
	"log"
	"net/http"

	"github.com/kelvinguchu/t3clone-sub003/models"
	"github.com/kelvinguchu/t3clone-sub003/services"
	"github.com/kelvinguchu/t3clone-sub003/utils"

	"github.com/gin-gonic/gin"
)

// ClientChatRequest is the body of POST /api/chat.
type ClientChatRequest struct {
	SessionID string              `json:"sessionId,omitempty"`
	Message   string              `json:"message" binding:"required"`
	History   []services.ChatTurn `json:"history,omitempty"`
}

// ChatHandler admits an anonymous chat message through the gate and forwards
// it to the completion service.
// POST /api/chat
func (h *APIHandler) ChatHandler(c *gin.Context) {
	var clientReq ClientChatRequest
	if err := c.ShouldBindJSON(&clientReq); err != nil {
		utils.SendJSONError(c, http.StatusBadRequest, "Invalid request format.", err)
		return
	}
	if h.completion == nil {
		utils.SendJSONError(c, http.StatusServiceUnavailable, "Chat is not configured on this server.", services.ErrCompletionUnavailable)
		return
	}

	id, err := h.gate.resolveIdentity(c, clientReq.SessionID)
	if err != nil {
		h.sendServiceError(c, err)
		return
	}
	adm, ok := h.gate.Admit(c, id, false)
	if !ok {
		return
	}
	if adm.Created {
		h.setSessionCookie(c, adm.Session)
	}

	reply, model, err := h.completion.Complete(c.Request.Context(), services.CompletionRequest{
		Message: clientReq.Message,
		History: clientReq.History,
	})
	if err != nil {
		utils.SendJSONError(c, http.StatusBadGateway, "The AI service did not respond. Please try again.", err)
		return
	}

	resp := models.ChatReply{Reply: reply, Model: model, Degraded: adm.Degraded}
	if adm.Session != nil {
		resp.SessionID = adm.Session.SessionID
		resp.Remaining = adm.Session.Remaining()
	}
	log.Printf("INFO: [API] Chat reply delivered (session %s, %d messages left).", resp.SessionID, resp.Remaining)
	utils.SendJSONData(c, "Reply ready", resp)
}
