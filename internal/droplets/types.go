package droplets

import "time"

// Network is one address assigned to a droplet.
type Network struct {
	IPAddress string `json:"ip_address"`
	Netmask   string `json:"netmask"`
	Gateway   string `json:"gateway"`
	Type      string `json:"type"`
}

// Droplet is the subset of the API's droplet object the panel reads.
type Droplet struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Memory    int       `json:"memory"`
	VCPUs     int       `json:"vcpus"`
	Disk      int       `json:"disk"`
	SizeSlug  string    `json:"size_slug"`
	CreatedAt time.Time `json:"created_at"`
	Tags      []string  `json:"tags"`
	Region    struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"region"`
	Networks struct {
		V4 []Network `json:"v4"`
		V6 []Network `json:"v6"`
	} `json:"networks"`
}

// PublicIPv4 returns the droplet's address when its first v4 network is
// public, which is how the panel decides a droplet is reachable.
func (d *Droplet) PublicIPv4() (string, bool) {
	if d == nil || len(d.Networks.V4) == 0 {
		return "", false
	}
	n := d.Networks.V4[0]
	if n.Type != "public" || n.IPAddress == "" {
		return "", false
	}
	return n.IPAddress, true
}
