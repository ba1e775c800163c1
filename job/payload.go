package job

// Payload structs for the built-in kinds. The core routes payloads by Kind
// and otherwise treats them as opaque bytes; these types exist so callers
// and executors agree on shape.

// SendMessagePayload is the payload for KindSendMessage.
type SendMessagePayload struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

// LikePostPayload is the payload for KindLikePost.
type LikePostPayload struct {
	PostRef string `json:"post_ref"`
}

// CommentPostPayload is the payload for KindCommentPost.
type CommentPostPayload struct {
	PostRef string `json:"post_ref"`
	Comment string `json:"comment"`
}

// WebhookPayload is the payload for KindDeliverWebhook. Body is delivered
// verbatim as the POST body; the signature is computed by a collaborator
// Signer over Body and threaded into the request header.
type WebhookPayload struct {
	Endpoint string `json:"endpoint"`
	Event    string `json:"event"`
	Body     []byte `json:"body"`
}
