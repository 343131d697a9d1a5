package config

// KeysConfig names the seed keys and which one new templates are
// minted under. Secrets live only in this file (or the env vars it
// expands); the store records key IDs, never key material.
type KeysConfig struct {
	ActiveSeedKey string          `yaml:"active_seed_key"`
	SeedKeys      []SeedKeyConfig `yaml:"seed_keys"`
}

type SeedKeyConfig struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}
