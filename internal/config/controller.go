package config

// ControllerConfig is the controller daemon's on-disk configuration.
// The operator API key is deliberately not a field here — it is read
// from an environment variable at startup so it never lands in a
// config file on disk.
type ControllerConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	DataFile          string `yaml:"data_file"`
	MeshAutoWireGuard bool   `yaml:"mesh_auto_wireguard,omitempty"`
	MeshMTU           int    `yaml:"mesh_mtu,omitempty"`
}

// ControllerPath returns the controller config file location.
func ControllerPath() string {
	return configPath("controller.yaml")
}

// LoadController reads the controller config file. A missing file
// returns a zero-value config, not an error.
func LoadController() (*ControllerConfig, error) {
	var cfg ControllerConfig
	if err := loadYAML(ControllerPath(), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to disk, creating directories as needed.
func (c *ControllerConfig) Save() error {
	return saveYAML(ControllerPath(), c)
}
