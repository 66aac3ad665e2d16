package transport

import (
	"github.com/MarcoPoloResearchLab/inkwell/internal/changelog"
	"github.com/MarcoPoloResearchLab/inkwell/internal/peers"
)

// PeerInfo is a peer as advertised over the wire.
type PeerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int64  `json:"version"`
	Address string `json:"address,omitempty"`
}

// Message is the gossip envelope. Every field is optional and handled independently.
// Peers has no omitempty: an empty list is meaningful and distinct from an absent one.
type Message struct {
	Changes []changelog.ChangeRecord `json:"changes,omitempty"`
	Peers   []PeerInfo               `json:"peers"`
	Name    string                   `json:"name,omitempty"`
}

// HasPeers reports whether the sender attached a peer list, possibly empty.
func (message Message) HasPeers() bool {
	return message.Peers != nil
}

// Empty reports whether the message carries nothing actionable. Links drop empty messages
// instead of sending them.
func (message Message) Empty() bool {
	return len(message.Changes) == 0 && !message.HasPeers() && message.Name == ""
}

// PeerInfos converts registry rows into their wire form. The result is never nil.
func PeerInfos(known []peers.Peer) []PeerInfo {
	infos := make([]PeerInfo, 0, len(known))
	for _, peer := range known {
		infos = append(infos, PeerInfo{
			ID:      peer.ID,
			Name:    peer.Name,
			Version: peer.Version,
			Address: peer.Address,
		})
	}
	return infos
}

// RegistryPeers converts wire peers back into registry rows.
func RegistryPeers(infos []PeerInfo) []peers.Peer {
	known := make([]peers.Peer, 0, len(infos))
	for _, info := range infos {
		known = append(known, peers.Peer{
			ID:      info.ID,
			Name:    info.Name,
			Version: info.Version,
			Address: info.Address,
		})
	}
	return known
}
