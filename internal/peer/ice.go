package peer

import (
	"ctchen222/code-battle/internal/config"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

var defaultSTUN = []string{"stun:stun.l.google.com:19302"}

// BuildConfiguration turns ICE settings into a pion configuration.
//
// stun-turn uses both server kinds, stun-only ignores TURN, and turn-only
// forces relayed candidates. Missing STUN servers fall back to a public one.
func BuildConfiguration(cfg config.ICEConfig) webrtc.Configuration {
	turnOnly := cfg.Mode == config.ICEModeTurnOnly
	stunOnly := cfg.Mode == config.ICEModeStunOnly

	var servers []webrtc.ICEServer
	if !turnOnly {
		urls := cfg.STUNURLs
		if len(urls) == 0 {
			urls = defaultSTUN
		}
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}

	if !stunOnly {
		if len(cfg.TURNURLs) > 0 {
			servers = append(servers, webrtc.ICEServer{
				URLs:       cfg.TURNURLs,
				Username:   cfg.TURNUsername,
				Credential: cfg.TURNPassword,
			})
		} else if !turnOnly {
			slog.Info("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	policy := webrtc.ICETransportPolicyAll
	if turnOnly {
		if len(cfg.TURNURLs) == 0 {
			slog.Warn("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
			servers = append(servers, webrtc.ICEServer{URLs: defaultSTUN})
		} else {
			policy = webrtc.ICETransportPolicyRelay
		}
	}

	slog.Debug("ICE servers loaded", "ice.mode", cfg.Mode, "ice.servers", len(servers))
	return webrtc.Configuration{ICEServers: servers, ICETransportPolicy: policy}
}
