package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"

	"transcript-relay-service/internal/schema"
)

// ErrUnauthorized is returned by Dialect.Authenticate.
var ErrUnauthorized = errors.New("unauthorized")

// MessageKind classifies a decoded control or media message.
type MessageKind string

const (
	KindStart  MessageKind = "start"
	KindMedia  MessageKind = "media"
	KindStop   MessageKind = "stop"
	KindIgnore MessageKind = "ignore"
)

// Message is a dialect message in normalised form.
type Message struct {
	Kind      MessageKind
	Start     *schema.StartInfo
	Audio     []byte
	Timestamp int64
}

// Dialect translates one wire protocol. A dialect is chosen once per route.
type Dialect interface {
	Name() string
	Authenticate(r *http.Request) error
	Decode(data []byte) (Message, error)
	// StartAck and MediaAck return the reply to write, or nil for none.
	StartAck(s schema.StartInfo) any
	MediaAck(m Message) any
	// ErrorReply returns the reply for a rejected message, or nil.
	ErrorReply(err error) any
	// TimeoutReply returns the reply sent when the ASR provider timed out, or nil.
	TimeoutReply() any
}

type genericMessage struct {
	Event         string `json:"event"`
	InteractionID string `json:"interactionId"`
	TenantID      string `json:"tenantId"`
	SampleRate    int    `json:"sampleRate"`
	Encoding      string `json:"encoding"`
	Payload       []byte `json:"payload"`
	Timestamp     int64  `json:"timestamp"`
}

// Generic is the internal JSON protocol. Binary frames are raw audio.
type Generic struct{}

func (Generic) Name() string { return "generic" }

// Authenticate accepts everything; the generic route is internal only.
func (Generic) Authenticate(*http.Request) error { return nil }

func (Generic) Decode(data []byte) (Message, error) {
	var m genericMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode generic message: %w", err)
	}
	switch m.Event {
	case "start":
		return Message{Kind: KindStart, Start: &schema.StartInfo{
			InteractionID: m.InteractionID,
			TenantID:      m.TenantID,
			SampleRate:    m.SampleRate,
			Encoding:      m.Encoding,
		}}, nil
	case "media":
		return Message{Kind: KindMedia, Audio: m.Payload, Timestamp: m.Timestamp}, nil
	case "stop":
		return Message{Kind: KindStop}, nil
	default:
		return Message{}, fmt.Errorf("unknown event %q", m.Event)
	}
}

func (Generic) StartAck(s schema.StartInfo) any {
	return map[string]any{"event": "started", "interactionId": s.InteractionID}
}

func (Generic) MediaAck(m Message) any {
	return map[string]any{"event": "ack", "timestamp": m.Timestamp}
}

func (Generic) ErrorReply(err error) any {
	return map[string]any{"event": "error", "message": err.Error()}
}

func (Generic) TimeoutReply() any {
	return map[string]any{"event": "timeout"}
}

type exotelMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"stream_sid"`
	Start     struct {
		StreamSID   string `json:"stream_sid"`
		CallSID     string `json:"call_sid"`
		AccountSID  string `json:"account_sid"`
		From        string `json:"from"`
		To          string `json:"to"`
		MediaFormat struct {
			Encoding   string          `json:"encoding"`
			SampleRate json.RawMessage `json:"sample_rate"`
		} `json:"media_format"`
		CustomParameters map[string]string `json:"custom_parameters"`
	} `json:"start"`
	Media struct {
		Payload   string          `json:"payload"`
		Timestamp json.RawMessage `json:"timestamp"`
	} `json:"media"`
}

// Exotel auth methods.
const (
	ExotelBasicAuth   = "basic_auth"
	ExotelIPWhitelist = "ip_whitelist"
)

// Exotel speaks the Exotel AgentStream protocol.
type Exotel struct {
	AuthMethod string
	Username   string
	Password   string
	AllowedIPs []string
}

func (Exotel) Name() string { return "exotel" }

func (e Exotel) Authenticate(r *http.Request) error {
	switch e.AuthMethod {
	case ExotelIPWhitelist:
		ip := peerIP(r)
		if ipAllowed(ip, e.AllowedIPs) {
			return nil
		}
		return fmt.Errorf("%w: address %s not allowed", ErrUnauthorized, ip)
	default:
		if e.Username == "" {
			return nil
		}
		user, pass, ok := r.BasicAuth()
		if !ok {
			return fmt.Errorf("%w: missing basic auth", ErrUnauthorized)
		}
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(e.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(e.Password)) == 1
		if !userOK || !passOK {
			return fmt.Errorf("%w: bad credentials", ErrUnauthorized)
		}
		return nil
	}
}

func (Exotel) Decode(data []byte) (Message, error) {
	var m exotelMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode exotel message: %w", err)
	}
	switch m.Event {
	case "connected", "dtmf", "mark":
		return Message{Kind: KindIgnore}, nil
	case "start":
		st := m.Start
		callID := st.CallSID
		if callID == "" {
			callID = firstNonEmpty(st.StreamSID, m.StreamSID)
		}
		encoding := st.MediaFormat.Encoding
		if encoding == "" {
			encoding = "pcm16"
		}
		return Message{Kind: KindStart, Start: &schema.StartInfo{
			InteractionID: callID,
			TenantID:      firstNonEmpty(st.CustomParameters["tenantId"], st.AccountSID),
			SampleRate:    exotelSampleRate(st.MediaFormat.SampleRate),
			Encoding:      encoding,
			StreamID:      firstNonEmpty(st.StreamSID, m.StreamSID),
			From:          st.From,
			To:            st.To,
			Custom:        st.CustomParameters,
		}}, nil
	case "media":
		audio, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		if err != nil || len(audio) == 0 {
			return Message{}, errors.New("invalid exotel media payload")
		}
		return Message{Kind: KindMedia, Audio: audio, Timestamp: rawInt(m.Media.Timestamp)}, nil
	case "stop":
		return Message{Kind: KindStop}, nil
	default:
		return Message{}, fmt.Errorf("unknown event %q", m.Event)
	}
}

// exotelSampleRate keeps 8k and 16k, maps 24k to 16k and anything else to 8k.
func exotelSampleRate(raw json.RawMessage) int {
	switch rawInt(raw) {
	case 16000, 24000:
		return 16000
	default:
		return 8000
	}
}

func (Exotel) StartAck(schema.StartInfo) any { return nil }
func (Exotel) MediaAck(Message) any          { return nil }
func (Exotel) ErrorReply(error) any          { return nil }
func (Exotel) TimeoutReply() any             { return nil }

type twilioMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Start     struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		AccountSID       string            `json:"accountSid"`
		From             string            `json:"from"`
		To               string            `json:"to"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media struct {
		Payload   string `json:"payload"`
		Timestamp string `json:"timestamp"`
	} `json:"media"`
}

// Twilio speaks the Twilio Media Streams protocol: 8 kHz mu-law audio.
type Twilio struct {
	AuthToken string
	PublicURL string
}

func (Twilio) Name() string { return "twilio" }

// Authenticate validates X-Twilio-Signature. Without an auth token every
// request is accepted.
func (t Twilio) Authenticate(r *http.Request) error {
	if t.AuthToken == "" {
		return nil
	}
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return fmt.Errorf("%w: missing signature", ErrUnauthorized)
	}
	validator := twilioclient.NewRequestValidator(t.AuthToken)
	if !validator.Validate(t.requestURL(r), map[string]string{}, signature) {
		return fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}
	return nil
}

func (t Twilio) requestURL(r *http.Request) string {
	if t.PublicURL != "" {
		return strings.TrimRight(t.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "wss"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (Twilio) Decode(data []byte) (Message, error) {
	var m twilioMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode twilio message: %w", err)
	}
	switch m.Event {
	case "connected", "mark", "dtmf":
		return Message{Kind: KindIgnore}, nil
	case "start":
		st := m.Start
		return Message{Kind: KindStart, Start: &schema.StartInfo{
			InteractionID: st.CallSID,
			TenantID:      firstNonEmpty(st.CustomParameters["tenantId"], st.AccountSID),
			SampleRate:    8000,
			Encoding:      "mulaw",
			StreamID:      firstNonEmpty(st.StreamSID, m.StreamSID),
			From:          st.From,
			To:            st.To,
			Custom:        st.CustomParameters,
		}}, nil
	case "media":
		audio, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		if err != nil || len(audio) == 0 {
			return Message{}, errors.New("invalid twilio media payload")
		}
		ts, _ := strconv.ParseInt(m.Media.Timestamp, 10, 64)
		return Message{Kind: KindMedia, Audio: audio, Timestamp: ts}, nil
	case "stop":
		return Message{Kind: KindStop}, nil
	default:
		return Message{}, fmt.Errorf("unknown event %q", m.Event)
	}
}

func (Twilio) StartAck(schema.StartInfo) any { return nil }
func (Twilio) MediaAck(Message) any          { return nil }
func (Twilio) ErrorReply(error) any          { return nil }
func (Twilio) TimeoutReply() any             { return nil }

// rawInt reads a number that vendors send either as JSON number or string.
func rawInt(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// peerIP is the address of the TCP peer. Forwarding headers are ignored
// since any client can set them.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipAllowed matches ip against plain addresses and CIDR ranges.
func ipAllowed(ip string, allowed []string) bool {
	addr := net.ParseIP(ip)
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == ip {
			return true
		}
		if _, block, err := net.ParseCIDR(a); err == nil && addr != nil && block.Contains(addr) {
			return true
		}
	}
	return false
}
