package platform

// NetworkManager connectivity states, from the NMState enum.
const (
	nmStateUnknown         uint32 = 0
	nmStateAsleep          uint32 = 10
	nmStateDisconnected    uint32 = 20
	nmStateDisconnecting   uint32 = 30
	nmStateConnecting      uint32 = 40
	nmStateConnectedLocal  uint32 = 50
	nmStateConnectedSite   uint32 = 60
	nmStateConnectedGlobal uint32 = 70
)

// networkKind maps a NetworkManager state to an Online or Offline signal.
// Transitional states map to nothing.
func networkKind(state uint32) (Kind, bool) {
	switch state {
	case nmStateConnectedGlobal:
		return Online, true
	case nmStateAsleep, nmStateDisconnected, nmStateConnectedLocal, nmStateConnectedSite:
		return Offline, true
	}
	return "", false
}
