package pagegate

import "net/http"

// Bucket is the routing class the classifier assigns to an intercepted
// request; it selects which strategy handles the request.
type Bucket int

const (
	BucketStaticAsset Bucket = iota
	BucketDocument
	BucketOther
)

func (b Bucket) String() string {
	switch b {
	case BucketStaticAsset:
		return "static-asset"
	case BucketDocument:
		return "document"
	default:
		return "other"
	}
}

// Destination values as carried by the Sec-Fetch-Dest request header.
const (
	DestDocument = "document"
	DestImage    = "image"
	DestStyle    = "style"
	DestScript   = "script"
	DestFont     = "font"
)

// RequestDescriptor is the normalized identity of an outgoing read request.
// It doubles as the lookup key into a partition and as classifier input.
type RequestDescriptor struct {
	Method      string
	URL         string // absolute
	Destination string
}

// Key returns the partition key for this descriptor.
func (d RequestDescriptor) Key() string {
	return d.Method + " " + d.URL
}

// ResponseSnapshot is a response captured at write time. A stored snapshot
// is never mutated; a fresh fetch always overwrites the whole record.
type ResponseSnapshot struct {
	Status     int
	Header     http.Header
	Body       []byte
	CapturedAt int64 // unix seconds
}

// OK reports whether the snapshot carries a success status.
func (s ResponseSnapshot) OK() bool {
	return s.Status >= 200 && s.Status < 300
}

// Message type discriminators exchanged with page sessions.
const (
	MsgPreserveState  = "PRESERVE_STATE"
	MsgStatePreserved = "STATE_PRESERVED"
	MsgTabFocused     = "TAB_FOCUSED"
	MsgTabBlurred     = "TAB_BLURRED"
	MsgUpdated        = "SW_UPDATED"
)

// Message is an inbound control message from a page session.
type Message struct {
	Type  string         `json:"type"`
	TabID string         `json:"tabId,omitempty"`
	State map[string]any `json:"state,omitempty"`
}

// Outbound is a reply or broadcast sent back to page sessions.
type Outbound struct {
	Type      string `json:"type"`
	TabID     string `json:"tabId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds
	Version   string `json:"version,omitempty"`
}

// PreservedState is the durable record the mailbox writes for one page
// path. State is the caller-supplied payload; the other fields are stamped
// at write time.
type PreservedState struct {
	State       map[string]any `json:"state"`
	PreservedBy string         `json:"preservedBy"`
	Timestamp   int64          `json:"timestamp"` // unix milliseconds
}
