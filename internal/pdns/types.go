package pdns

// Change types accepted by the zone PATCH endpoint.
const (
	ChangeReplace = "REPLACE"
	ChangeDelete  = "DELETE"
)

// Zone is the subset of a PowerDNS zone beacon reads.
type Zone struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Kind   string  `json:"kind"`
	Serial int     `json:"serial,omitempty"`
	RRsets []RRSet `json:"rrsets,omitempty"`
}

// RRSet represents a set of resource records with the same name and type.
type RRSet struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	TTL        int      `json:"ttl,omitempty"`
	Changetype string   `json:"changetype,omitempty"`
	Records    []Record `json:"records"`
}

// Record represents a single DNS record within an RRSet.
type Record struct {
	Content  string `json:"content"`
	Disabled bool   `json:"disabled"`
}

type patchRequest struct {
	RRsets []RRSet `json:"rrsets"`
}

type apiError struct {
	Error string `json:"error"`
}
