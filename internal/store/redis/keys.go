package redis

const (
	// KeyPrefixHost is the prefix for host keys
	KeyPrefixHost = "beacon:host:"
	// KeyAllHosts is the key for the set of all hostnames
	KeyAllHosts = "beacon:hosts:all"
)

// HostKey returns the Redis key for a host by name
func HostKey(hostname string) string {
	return KeyPrefixHost + hostname
}

// AllHostsKey returns the key for the set of all hostnames
func AllHostsKey() string {
	return KeyAllHosts
}
