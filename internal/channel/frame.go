package channel

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EndpointURL derives the WebSocket endpoint from a page origin.
// https maps to wss, http to ws; any path on the origin is replaced by path.
func EndpointURL(origin, path string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}

	var scheme string
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
		scheme = "ws"
	default:
		return "", fmt.Errorf("origin %q: unsupported scheme %q", origin, u.Scheme)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return scheme + "://" + u.Host + path, nil
}

// decodeFrame parses one inbound frame.
func decodeFrame(data []byte, receivedAt time.Time) (InboundMessage, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	msg := InboundMessage{ReceivedAt: receivedAt}

	switch f.Type {
	case TypeAuth:
		msg.Kind = KindAuthResult
		msg.Status = f.Status
		msg.Message = f.Message
	case TypeMonitoringData:
		msg.Kind = KindMonitoringData
		msg.Payload = f.Data
	case TypeNewAlert:
		msg.Kind = KindNewAlert
		msg.Payload = f.Alert
	case "":
		return InboundMessage{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return InboundMessage{}, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	return msg, nil
}

// encodeAuth builds the auth frame for a token.
func encodeAuth(token string) []byte {
	data, _ := json.Marshal(AuthFrame{Type: TypeAuth, Token: token})
	return data
}
