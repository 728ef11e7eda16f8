package domain

// ICECandidate is the JSON form of a trickled ICE candidate, as produced by
// RTCIceCandidate.toJSON in browsers.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Answer is the result of a WHIP/WHEP offer exchange.
type Answer struct {
	// Resource is the session resource URL taken from the Location header.
	Resource string
	SDP      string
}
