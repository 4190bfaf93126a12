package dto

// CreateConversationRequest is the request body for starting a conversation.
type CreateConversationRequest struct {
	Task string `json:"task" binding:"required"`
}

// InputRequest answers a pending wait_for_user_input call.
type InputRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Text      string `json:"text"`
}
