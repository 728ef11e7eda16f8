package simulcast

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// LayersFromSDP returns the send rids of the first video section, in the
// order they appear. It returns nil when the description has no simulcast.
func LayersFromSDP(raw string) []string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		var layers []string
		for _, attr := range md.Attributes {
			if attr.Key != "rid" {
				continue
			}
			fields := strings.Fields(attr.Value)
			if len(fields) >= 2 && fields[1] == "send" {
				layers = append(layers, fields[0])
			}
		}
		if len(layers) > 0 {
			return layers
		}
	}
	return nil
}
