package placement

// File represents the top-level structure of placement.yaml
type File struct {
	Defaults Defaults `yaml:"defaults"`
	Rules    []Rule   `yaml:"rules"`
}

// Defaults apply to hostnames no rule matches
type Defaults struct {
	Zone string `yaml:"zone"`
	TTL  int    `yaml:"ttl"`
}

// Rule maps a hostname glob to a zone and TTL.
// Example: match "edge-*" -> zone edge.example.com., ttl 30
type Rule struct {
	Match string `yaml:"match"`
	Zone  string `yaml:"zone"`
	TTL   int    `yaml:"ttl,omitempty"`
}
