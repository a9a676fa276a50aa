package chat

// WebSocket message types for the push channel.

// HelloMessage is sent as the first frame after connect.
type HelloMessage struct {
	Op     string `json:"op"`
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Device string `json:"device"`
}

// HelloResponse is the server reply to a hello.
type HelloResponse struct {
	Res    string `json:"res"`
	UserID string `json:"userId"`
}

// MessageEvent carries an inbound chat message. The channel delivers
// every message symmetrically, including echoes of this user's own
// sends.
type MessageEvent struct {
	Op      string  `json:"op"`
	Message Message `json:"message"`
}

// ReceiptEvent notifies that the far end read a message.
type ReceiptEvent struct {
	Op        string `json:"op"`
	MessageID string `json:"messageId"`
}

// SendMessage is sent by the client to deliver a chat message.
type SendMessage struct {
	Op         string `json:"op"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ClientRef  string `json:"clientRef,omitempty"`
}

// AckMessage is the server's direct confirmation of a send. It embeds
// the confirmed message so the sender can reconcile without waiting for
// the echo.
type AckMessage struct {
	Op      string  `json:"op"`
	Message Message `json:"message"`
}
