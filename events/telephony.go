package events

// Media stream wire messages. Numeric fields arrive as strings.

type MediaStreamMessage struct {
	Event          string            `json:"event"`
	SequenceNumber string            `json:"sequenceNumber,omitempty"`
	StreamSid      string            `json:"streamSid,omitempty"`
	Start          *MediaStreamStart `json:"start,omitempty"`
	Media          *MediaStreamMedia `json:"media,omitempty"`
	Mark           *MediaStreamMark  `json:"mark,omitempty"`
	Stop           *MediaStreamStop  `json:"stop,omitempty"`
}

type MediaStreamStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type MediaStreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MediaStreamMark struct {
	Name string `json:"name"`
}

type MediaStreamStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// TelephonyEvent is an inbound media stream event after decoding. Unknown
// and Disconnected are shared with the voice API vocabulary.
type TelephonyEvent interface {
	Wire() Frame
	telephonyEvent()
}

type StreamStarted struct {
	Frame
	StreamID string
	CallID   string
	// Encoding and SampleRate are the media format announced by the stream.
	Encoding         string
	SampleRate       int
	CustomParameters map[string]string
}

// MediaReceived carries caller audio, already base64 decoded. Timestamp is
// in milliseconds since the stream started.
type MediaReceived struct {
	Frame
	Payload   []byte
	Seq       int64
	Timestamp int64
}

type StreamStopped struct {
	Frame
}

// Mark is the echo of a mark sent downstream, received once playback reached it.
type Mark struct {
	Frame
	Name string
}

func (StreamStarted) telephonyEvent() {}
func (MediaReceived) telephonyEvent() {}
func (StreamStopped) telephonyEvent() {}
func (Mark) telephonyEvent()          {}
func (Unknown) telephonyEvent()       {}
func (Disconnected) telephonyEvent()  {}
