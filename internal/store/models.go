package store

// Default settings values.
const (
	DefaultRouterIP        = "192.168.1.1"
	DefaultRouterPort      = "81"
	DefaultRouterUsername  = "admin"
	DefaultVPNPolicy       = "Policy0"
	DefaultNoVPNPolicy     = "Policy1"
	DefaultRefreshInterval = 10
	DefaultOfflineDelay    = 5
)

// Settings holds the user-editable configuration.
// RouterPassword is hidden from API/JSON serialization via json:"-".
type Settings struct {
	RouterIP        string `json:"routerIp"`
	RouterPort      string `json:"routerPort"`
	RouterUsername  string `json:"routerUsername"`
	RouterPassword  string `json:"-"`
	VPNPolicy       string `json:"vpnPolicy"`
	NoVPNPolicy     string `json:"noVpnPolicy"`
	ShowMAC         bool   `json:"showMac"`
	ShowIP          bool   `json:"showIp"`
	ShowStats       bool   `json:"showStats"`
	AutoRefresh     bool   `json:"autoRefresh"`
	RefreshInterval int    `json:"refreshInterval"` // seconds
	OfflineDelay    int    `json:"offlineDelay"`    // seconds
}

// DefaultSettings returns the settings used before anything is saved.
func DefaultSettings() Settings {
	return Settings{
		RouterIP:        DefaultRouterIP,
		RouterPort:      DefaultRouterPort,
		RouterUsername:  DefaultRouterUsername,
		VPNPolicy:       DefaultVPNPolicy,
		NoVPNPolicy:     DefaultNoVPNPolicy,
		ShowMAC:         true,
		ShowIP:          true,
		ShowStats:       true,
		AutoRefresh:     true,
		RefreshInterval: DefaultRefreshInterval,
		OfflineDelay:    DefaultOfflineDelay,
	}
}

// settingsStorage is the internal struct used for DB serialization,
// preserving the router password on disk.
type settingsStorage struct {
	RouterIP        string `json:"routerIp"`
	RouterPort      string `json:"routerPort"`
	RouterUsername  string `json:"routerUsername"`
	RouterPassword  string `json:"routerPassword,omitempty"`
	VPNPolicy       string `json:"vpnPolicy"`
	NoVPNPolicy     string `json:"noVpnPolicy"`
	ShowMAC         bool   `json:"showMac"`
	ShowIP          bool   `json:"showIp"`
	ShowStats       bool   `json:"showStats"`
	AutoRefresh     bool   `json:"autoRefresh"`
	RefreshInterval int    `json:"refreshInterval"`
	OfflineDelay    int    `json:"offlineDelay"`
}

func toStorage(s *Settings) settingsStorage {
	return settingsStorage(*s)
}

func fromStorage(st settingsStorage) *Settings {
	s := Settings(st)
	return &s
}
