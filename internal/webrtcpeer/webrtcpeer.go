// Package webrtcpeer builds the pion WebRTC API instance used by the client
// coordinator and converts signaling-level ICE configuration into pion form.
package webrtcpeer

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/meshvoice/meshvoice/internal/peerpool"
	"github.com/meshvoice/meshvoice/internal/protocol"
)

// NewAPI constructs a webrtc.API with pion's internal logging routed through
// the given slog logger. No networking starts here; ICE sockets appear only
// once peer connections are created.
func NewAPI(logger *slog.Logger) *webrtc.API {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = slogLoggerFactory{logger: logger.With(slog.String("component", "webrtc"))}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// Factory adapts an API into the pool's connection factory.
func Factory(api *webrtc.API) peerpool.Factory {
	return func(cfg webrtc.Configuration) (peerpool.Conn, error) {
		return api.NewPeerConnection(cfg)
	}
}

// ConfigurationFrom converts the server-provided ice-servers event into a
// peer connection configuration.
func ConfigurationFrom(servers protocol.ICEServers) webrtc.Configuration {
	ice := make([]webrtc.ICEServer, 0, 1+len(servers.TURNServers))
	if len(servers.STUNServers) > 0 {
		ice = append(ice, webrtc.ICEServer{URLs: append([]string(nil), servers.STUNServers...)})
	}
	for _, t := range servers.TURNServers {
		ice = append(ice, webrtc.ICEServer{
			URLs:       append([]string(nil), t.URLs...),
			Username:   t.Username,
			Credential: t.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: ice}
}
