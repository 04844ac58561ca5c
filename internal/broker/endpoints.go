package broker

import "leverage-worker/pkg/types"

// Per-mode endpoints. The paper environment is a separate host, not a
// path prefix.
const (
	liveRESTBase  = "https://openapi.koreainvestment.com:9443"
	paperRESTBase = "https://openapivts.koreainvestment.com:29443"
	liveWSBase    = "ws://ops.koreainvestment.com:21000"
	paperWSBase   = "ws://ops.koreainvestment.com:31000"
)

// RESTBase returns the REST API host for a mode.
func RESTBase(mode types.Mode) string {
	if mode == types.ModeLive {
		return liveRESTBase
	}
	return paperRESTBase
}

// WSBase returns the realtime WebSocket host for a mode.
func WSBase(mode types.Mode) string {
	if mode == types.ModeLive {
		return liveWSBase
	}
	return paperWSBase
}
